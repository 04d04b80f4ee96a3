package fingerprint

import (
	"fmt"
	"image"
	"sort"

	"imagetrace/types"

	"gocv.io/x/gocv"
)

// Compute calculates the perceptual hash of the given kind for a decoded
// image. It is a deterministic pure function of the pixel data: the same
// image always yields the same bit-string. Grayscale, alpha-channel and
// near-uniform images all produce valid (possibly degenerate) fingerprints.
func Compute(img gocv.Mat, kind types.HashKind) (types.Fingerprint, error) {
	if img.Empty() {
		return types.Fingerprint{}, fmt.Errorf("cannot compute %s hash for empty image", kind)
	}

	gray := toGray(img)
	defer gray.Close()

	var bits uint64
	var err error
	switch kind {
	case types.HashAverage:
		bits, err = averageHash(gray)
	case types.HashDifference:
		bits, err = differenceHash(gray)
	case types.HashPerceptual:
		bits, err = perceptualHash(gray)
	case types.HashWavelet:
		bits, err = waveletHash(gray)
	default:
		return types.Fingerprint{}, fmt.Errorf("unknown hash kind: %s", kind)
	}
	if err != nil {
		return types.Fingerprint{}, err
	}

	return types.Fingerprint{Kind: kind, Bits: bits}, nil
}

// toGray returns a single-channel copy of img. Alpha channels are dropped.
func toGray(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// averageHash resizes to 8x8 and sets a bit for every pixel at or above the
// mean intensity.
func averageHash(gray gocv.Mat) (uint64, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Point{X: 8, Y: 8}, 0, 0, gocv.InterpolationArea)

	var sum uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			sum += uint64(resized.GetUCharAt(y, x))
		}
	}
	mean := float64(sum) / 64.0

	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			hash <<= 1
			if float64(resized.GetUCharAt(y, x)) >= mean {
				hash |= 1
			}
		}
	}
	return hash, nil
}

// differenceHash resizes to 9x8 and sets a bit wherever a pixel is brighter
// than its right-hand neighbor.
func differenceHash(gray gocv.Mat) (uint64, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Point{X: 9, Y: 8}, 0, 0, gocv.InterpolationArea)

	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			hash <<= 1
			if resized.GetUCharAt(y, x) > resized.GetUCharAt(y, x+1) {
				hash |= 1
			}
		}
	}
	return hash, nil
}

// perceptualHash resizes to 32x32, applies a DCT and thresholds the 8x8
// low-frequency block at its median.
func perceptualHash(gray gocv.Mat) (uint64, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Point{X: 32, Y: 32}, 0, 0, gocv.InterpolationArea)

	floatImg := gocv.NewMat()
	defer floatImg.Close()
	resized.ConvertTo(&floatImg, gocv.MatTypeCV32F)

	dct := gocv.NewMat()
	defer dct.Close()
	gocv.DCT(floatImg, &dct, 0)

	values := make([]float64, 0, 64)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			values = append(values, float64(dct.GetFloatAt(y, x)))
		}
	}
	median := calculateMedian(values)

	var hash uint64
	for _, v := range values {
		hash <<= 1
		if v >= median {
			hash |= 1
		}
	}
	return hash, nil
}

// waveletHash resizes to 64x64, runs a 3-level Haar decomposition and
// thresholds the 8x8 approximation block at its median.
func waveletHash(gray gocv.Mat) (uint64, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Point{X: 64, Y: 64}, 0, 0, gocv.InterpolationArea)

	plane := make([][]float64, 64)
	for y := range plane {
		plane[y] = make([]float64, 64)
		for x := range plane[y] {
			plane[y][x] = float64(resized.GetUCharAt(y, x)) / 255.0
		}
	}

	// Three Haar levels reduce the 64x64 plane to an 8x8 approximation.
	for size := 64; size > 8; size /= 2 {
		haarStep(plane, size)
	}

	values := make([]float64, 0, 64)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			values = append(values, plane[y][x])
		}
	}
	median := calculateMedian(values)

	var hash uint64
	for _, v := range values {
		hash <<= 1
		if v >= median {
			hash |= 1
		}
	}
	return hash, nil
}

// haarStep performs one level of the 2-D Haar transform in place on the
// top-left size x size block, leaving the averages in the top-left quadrant.
func haarStep(plane [][]float64, size int) {
	half := size / 2
	row := make([]float64, size)

	for y := 0; y < size; y++ {
		copy(row, plane[y][:size])
		for x := 0; x < half; x++ {
			plane[y][x] = (row[2*x] + row[2*x+1]) / 2
			plane[y][half+x] = (row[2*x] - row[2*x+1]) / 2
		}
	}

	col := make([]float64, size)
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			col[y] = plane[y][x]
		}
		for y := 0; y < half; y++ {
			plane[y][x] = (col[2*y] + col[2*y+1]) / 2
			plane[half+y][x] = (col[2*y] - col[2*y+1]) / 2
		}
	}
}

// calculateMedian returns the median of values without modifying the input.
func calculateMedian(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	length := len(sorted)
	if length == 0 {
		return 0
	}
	if length%2 == 0 {
		return (sorted[length/2-1] + sorted[length/2]) / 2
	}
	return sorted[length/2]
}
