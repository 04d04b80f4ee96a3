package matcher

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"imagetrace/features"
	"imagetrace/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func texturedImage(t *testing.T, width, height int, seed int64) gocv.Mat {
	t.Helper()
	img := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < 90; i++ {
		x := rng.Intn(width)
		y := rng.Intn(height)
		w := 8 + rng.Intn(width/4)
		h := 8 + rng.Intn(height/4)
		shade := uint8(40 + rng.Intn(215))
		c := color.RGBA{R: shade, G: shade, B: shade, A: 255}
		if i%3 == 0 {
			gocv.Circle(&img, image.Pt(x, y), w/2, c, -1)
		} else {
			gocv.Rectangle(&img, image.Rect(x, y, x+w, y+h), c, -1)
		}
	}
	return img
}

func resized(t *testing.T, img gocv.Mat, factor float64) gocv.Mat {
	t.Helper()
	out := gocv.NewMat()
	gocv.Resize(img, &out, image.Point{
		X: int(float64(img.Cols()) * factor),
		Y: int(float64(img.Rows()) * factor),
	}, 0, 0, gocv.InterpolationLinear)
	return out
}

func info(id string, img gocv.Mat) types.ImageInfo {
	return types.ImageInfo{ID: id, Width: img.Cols(), Height: img.Rows()}
}

func extract(t *testing.T, img gocv.Mat, mode features.Mode) *features.FeatureSet {
	t.Helper()
	fs, err := features.Extract(img, mode)
	require.NoError(t, err)
	t.Cleanup(fs.Close)
	return fs
}

func TestSelectMode(t *testing.T) {
	cases := []struct {
		name string
		a, b types.ImageInfo
		want features.Mode
	}{
		{"equal areas", types.ImageInfo{Width: 100, Height: 100}, types.ImageInfo{Width: 100, Height: 100}, features.ModeStandard},
		{"moderate difference", types.ImageInfo{Width: 100, Height: 100}, types.ImageInfo{Width: 120, Height: 100}, features.ModeStandard},
		{"double area", types.ImageInfo{Width: 100, Height: 100}, types.ImageInfo{Width: 200, Height: 100}, features.ModeWide},
		{"order independent", types.ImageInfo{Width: 200, Height: 100}, types.ImageInfo{Width: 100, Height: 100}, features.ModeWide},
		{"zero area falls back to standard", types.ImageInfo{}, types.ImageInfo{Width: 100, Height: 100}, features.ModeStandard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mode, opts := SelectMode(tc.a, tc.b)
			assert.Equal(t, tc.want, mode)
			if tc.want == features.ModeWide {
				assert.Equal(t, WideOptions(), opts)
			} else {
				assert.Equal(t, StandardOptions(), opts)
			}
		})
	}
}

func TestMatchEmptyFeatureSets(t *testing.T) {
	img := texturedImage(t, 200, 200, 1)
	defer img.Close()
	fs := extract(t, img, features.ModeStandard)
	empty := &features.FeatureSet{}

	a := info("a", img)
	b := types.ImageInfo{ID: "b", Width: 200, Height: 200}

	for _, pair := range []struct {
		name     string
		fsA, fsB *features.FeatureSet
	}{
		{"empty target", fs, empty},
		{"empty source", empty, fs},
		{"both empty", empty, empty},
		{"nil sets", nil, nil},
	} {
		t.Run(pair.name, func(t *testing.T) {
			region := Match(a, b, pair.fsA, pair.fsB, StandardOptions())
			assert.Equal(t, 0.0, region.SimilarityScore)
			assert.Equal(t, 0, region.MatchCount)
			assert.Equal(t, 0, region.InlierCount)
			assert.NotNil(t, region.Matches)
			assert.Nil(t, region.QuadInB)
		})
	}
}

func TestMatchIdenticalImage(t *testing.T) {
	img := texturedImage(t, 300, 300, 21)
	defer img.Close()

	fsA := extract(t, img, features.ModeStandard)
	fsB := extract(t, img, features.ModeStandard)
	require.False(t, fsA.Empty())

	region := Match(info("a", img), info("b", img), fsA, fsB, StandardOptions())

	assert.Greater(t, region.MatchCount, 10)
	assert.Greater(t, region.InlierCount, 0)
	assert.Greater(t, region.SimilarityScore, 0.5)
	require.NotNil(t, region.QuadInB)

	// The identity transform must map A's corners near B's corners.
	expected := [4][2]float64{
		{0, 0},
		{float64(img.Cols()), 0},
		{float64(img.Cols()), float64(img.Rows())},
		{0, float64(img.Rows())},
	}
	for i := range expected {
		assert.InDelta(t, expected[i][0], region.QuadInB[i][0], 25.0)
		assert.InDelta(t, expected[i][1], region.QuadInB[i][1], 25.0)
	}
}

// descriptorSet builds a feature set from hand-rolled 32-byte descriptor
// rows, one keypoint per row.
func descriptorSet(t *testing.T, rows [][]byte) *features.FeatureSet {
	t.Helper()
	var data []byte
	keypoints := make([]types.Keypoint, len(rows))
	for i, row := range rows {
		require.Len(t, row, 32)
		data = append(data, row...)
		keypoints[i] = types.Keypoint{X: float64(i), Y: float64(i)}
	}
	descriptors, err := gocv.NewMatFromBytes(len(rows), 32, gocv.MatTypeCV8U, data)
	require.NoError(t, err)
	fs := &features.FeatureSet{Keypoints: keypoints, Descriptors: descriptors}
	t.Cleanup(fs.Close)
	return fs
}

func TestRatioTestMatchesClaimsEachTargetOnce(t *testing.T) {
	zeros := make([]byte, 32)
	ones := bytes.Repeat([]byte{0xFF}, 32)

	t.Run("many sources collapsing onto one target", func(t *testing.T) {
		sourceRows := make([][]byte, 10)
		for i := range sourceRows {
			sourceRows[i] = zeros
		}
		fsA := descriptorSet(t, sourceRows)
		fsB := descriptorSet(t, [][]byte{zeros, ones})

		matches := ratioTestMatches(fsA, fsB, ratioStandard)

		require.Len(t, matches, 1)
		assert.Equal(t, 0, matches[0].B)
		assert.Equal(t, 0.0, matches[0].Distance)
	})

	t.Run("lowest distance wins the target", func(t *testing.T) {
		twoBits := append([]byte{0x03}, make([]byte, 31)...)
		oneBit := append([]byte{0x01}, make([]byte, 31)...)
		fsA := descriptorSet(t, [][]byte{twoBits, oneBit})
		fsB := descriptorSet(t, [][]byte{zeros, ones})

		matches := ratioTestMatches(fsA, fsB, ratioStandard)

		require.Len(t, matches, 1)
		assert.Equal(t, 1, matches[0].A)
		assert.Equal(t, 0, matches[0].B)
		assert.Equal(t, 1.0, matches[0].Distance)
	})
}

func TestMatchCountBoundedBySmallerFeatureSet(t *testing.T) {
	imgA := texturedImage(t, 400, 400, 21)
	defer imgA.Close()
	imgB := texturedImage(t, 80, 80, 33)
	defer imgB.Close()

	fsA := extract(t, imgA, features.ModeWide)
	fsB := extract(t, imgB, features.ModeWide)
	require.False(t, fsB.Empty())
	require.Greater(t, fsA.Len(), fsB.Len())

	region := Match(info("a", imgA), info("b", imgB), fsA, fsB, WideOptions())

	assert.LessOrEqual(t, region.MatchCount, fsB.Len())
	assert.LessOrEqual(t, region.InlierCount, region.MatchCount)

	seen := make(map[int]bool)
	for _, m := range region.Matches {
		assert.False(t, seen[m.B], "target keypoint %d matched twice", m.B)
		seen[m.B] = true
	}
}

func TestMatchUnrelatedImagesScoreLow(t *testing.T) {
	imgA := texturedImage(t, 300, 300, 21)
	defer imgA.Close()
	imgB := texturedImage(t, 300, 300, 1234)
	defer imgB.Close()

	fsA := extract(t, imgA, features.ModeStandard)
	fsB := extract(t, imgB, features.ModeStandard)

	region := Match(info("a", imgA), info("b", imgB), fsA, fsB, StandardOptions())
	assert.Less(t, region.SimilarityScore, 0.5)
}

func TestMatchScaleAwareness(t *testing.T) {
	imgA := texturedImage(t, 300, 300, 21)
	defer imgA.Close()
	imgB := resized(t, imgA, 2.0)
	defer imgB.Close()

	a, b := info("a", imgA), info("b", imgB)

	// The area ratio of a 2x upscale forces the wide path.
	mode, _ := SelectMode(a, b)
	require.Equal(t, features.ModeWide, mode)

	wideRegion := Match(a, b,
		extract(t, imgA, features.ModeWide),
		extract(t, imgB, features.ModeWide),
		WideOptions())
	standardRegion := Match(a, b,
		extract(t, imgA, features.ModeStandard),
		extract(t, imgB, features.ModeStandard),
		StandardOptions())

	assert.GreaterOrEqual(t, wideRegion.SimilarityScore, 0.5)
	assert.Greater(t, wideRegion.SimilarityScore, standardRegion.SimilarityScore)
}

func TestAverageDistance(t *testing.T) {
	assert.Equal(t, 0.0, averageDistance(nil))
	matches := []types.Match{{Distance: 10}, {Distance: 30}}
	assert.Equal(t, 20.0, averageDistance(matches))
}
