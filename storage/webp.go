package storage

import (
	"fmt"
	"image/color"
	"os"

	"gocv.io/x/gocv"
	"golang.org/x/image/webp"
)

// loadWebP decodes a WebP file into a grayscale matrix. gocv builds without
// WebP support cannot read these through IMRead, so decoding goes through
// the pure-Go decoder instead.
func loadWebP(path string) (gocv.Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("cannot open %s: %v", path, err)
	}
	defer f.Close()

	decoded, err := webp.Decode(f)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("cannot decode %s: %v", path, err)
	}

	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.Mat{}, fmt.Errorf("empty image: %s", path)
	}

	pixels := make([]byte, 0, width*height)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(decoded.At(x, y)).(color.Gray)
			pixels = append(pixels, gray.Y)
		}
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, pixels)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("cannot build matrix for %s: %v", path, err)
	}
	return mat, nil
}
