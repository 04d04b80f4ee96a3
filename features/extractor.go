package features

import (
	"fmt"
	"image"

	"imagetrace/logging"
	"imagetrace/types"

	"gocv.io/x/gocv"
)

// Mode selects the extraction scale range.
type Mode string

const (
	// ModeStandard covers moderate resampling around the native resolution.
	ModeStandard Mode = "standard"
	// ModeWide covers roughly 0.5x-2.0x and is used when the two images of a
	// pair differ substantially in pixel area.
	ModeWide Mode = "wide"
)

var (
	standardScales = []float64{0.6, 0.8, 1.0, 1.25, 1.6}
	wideScales     = []float64{0.5, 0.6, 0.8, 1.0, 1.25, 1.6, 2.0}
)

const (
	standardKeypointCap = 800
	wideKeypointCap     = 1200

	// Images below this pixel count skip the multi-scale search entirely;
	// a single native pass with a raised cap finds everything there is.
	minMultiScalePixels = 100 * 100
	smallImageCap       = 2000

	// Resampled dimensions never drop below this edge length.
	minResampledEdge = 32
)

// ScaleRange records which slice of a FeatureSet came from one resampling
// factor.
type ScaleRange struct {
	Factor float64
	Start  int
	End    int
}

// FeatureSet is the multi-scale keypoint and descriptor set of one image.
// Keypoints are stored contiguously with their binary descriptors as rows of
// a single matrix; Scales indexes the per-factor ranges. The keypoint count
// always equals the descriptor row count.
type FeatureSet struct {
	Keypoints   []types.Keypoint
	Descriptors gocv.Mat
	Scales      []ScaleRange
}

// Len returns the number of keypoints.
func (fs *FeatureSet) Len() int {
	return len(fs.Keypoints)
}

// Empty reports whether no keypoints were detected.
func (fs *FeatureSet) Empty() bool {
	return fs == nil || len(fs.Keypoints) == 0
}

// Close releases the descriptor matrix.
func (fs *FeatureSet) Close() {
	if fs != nil && !fs.Descriptors.Empty() {
		fs.Descriptors.Close()
	}
}

const descriptorBytes = 32

// Extract runs the keypoint detector at every resampling factor of the given
// mode, maps detected coordinates back into the original image's pixel space
// and concatenates the per-scale results into one FeatureSet. An image with
// no detectable keypoints yields an empty set, not an error.
func Extract(img gocv.Mat, mode Mode) (*FeatureSet, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot extract features from empty image")
	}

	scales, keypointCap := scalePlan(img, mode)

	orb := gocv.NewORBWithParams(keypointCap, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	fs := &FeatureSet{}
	var descriptorData []byte

	for _, factor := range scales {
		scaled, actualX, actualY := resample(img, factor)
		keypoints, descriptors := orb.DetectAndCompute(scaled, mask)
		if factor != 1.0 {
			scaled.Close()
		}

		if descriptors.Empty() || len(keypoints) == 0 {
			descriptors.Close()
			continue
		}

		start := len(fs.Keypoints)
		for _, kp := range keypoints {
			fs.Keypoints = append(fs.Keypoints, types.Keypoint{
				X:           kp.X / actualX,
				Y:           kp.Y / actualY,
				Scale:       kp.Size * 2 / (actualX + actualY),
				Orientation: kp.Angle,
				Response:    kp.Response,
			})
		}
		descriptorData = append(descriptorData, descriptors.ToBytes()...)
		descriptors.Close()

		fs.Scales = append(fs.Scales, ScaleRange{Factor: factor, Start: start, End: len(fs.Keypoints)})
	}

	if len(fs.Keypoints) == 0 {
		logging.DebugLog("no keypoints detected (%dx%d, mode %s)", img.Cols(), img.Rows(), mode)
		return fs, nil
	}

	combined, err := gocv.NewMatFromBytes(len(fs.Keypoints), descriptorBytes, gocv.MatTypeCV8U, descriptorData)
	if err != nil {
		return nil, fmt.Errorf("cannot assemble descriptor matrix: %v", err)
	}
	fs.Descriptors = combined

	return fs, nil
}

// scalePlan picks the resampling factors and per-scale keypoint cap for an
// image. Very small images get a single native pass with a raised cap.
func scalePlan(img gocv.Mat, mode Mode) ([]float64, int) {
	if img.Cols()*img.Rows() < minMultiScalePixels {
		return []float64{1.0}, smallImageCap
	}
	if mode == ModeWide {
		return wideScales, wideKeypointCap
	}
	return standardScales, standardKeypointCap
}

// resample scales img by factor, clamping each edge to minResampledEdge, and
// returns the scaled image together with the per-axis factors actually
// applied. Those actual factors, not the requested one, map detected
// coordinates back to the original pixel space; the clamp can stretch the
// two axes differently on narrow images.
func resample(img gocv.Mat, factor float64) (gocv.Mat, float64, float64) {
	if factor == 1.0 {
		return img, 1.0, 1.0
	}

	width := int(float64(img.Cols()) * factor)
	height := int(float64(img.Rows()) * factor)
	if width < minResampledEdge {
		width = minResampledEdge
	}
	if height < minResampledEdge {
		height = minResampledEdge
	}

	actualX := float64(width) / float64(img.Cols())
	actualY := float64(height) / float64(img.Rows())

	interpolation := gocv.InterpolationArea
	if factor > 1.0 {
		interpolation = gocv.InterpolationLinear
	}

	scaled := gocv.NewMat()
	gocv.Resize(img, &scaled, image.Point{X: width, Y: height}, 0, 0, interpolation)
	return scaled, actualX, actualY
}
