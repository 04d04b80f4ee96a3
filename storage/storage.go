package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"imagetrace/logging"
	"imagetrace/types"

	exiftool "github.com/barasher/go-exiftool"
	"gocv.io/x/gocv"
)

// PixelSource provides decoded grayscale pixels for an image id. The
// returned matrix is owned by the caller and must be closed.
type PixelSource interface {
	Decode(ctx context.Context, imageID string) (gocv.Mat, error)
}

// supportedExtensions lists the formats the directory source will list and
// decode. The upload pipeline normalizes everything else before ingestion.
var supportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// DirectorySource resolves image ids to files below a root directory. When
// an exiftool binary is available, EXIF-rotated images are normalized to
// their display orientation before analysis.
type DirectorySource struct {
	root string

	mu   sync.Mutex
	exif *exiftool.Exiftool
}

// NewDirectorySource opens a pixel source over the given directory. A
// missing exiftool binary is not fatal; orientation normalization is then
// skipped.
func NewDirectorySource(root string) (*DirectorySource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot access image root %s: %v", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image root is not a directory: %s", root)
	}

	source := &DirectorySource{root: root}

	et, err := exiftool.NewExiftool()
	if err != nil {
		logging.LogWarning("exiftool unavailable, skipping orientation normalization: %v", err)
	} else {
		source.exif = et
	}
	return source, nil
}

// Close releases the exiftool handle.
func (s *DirectorySource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exif != nil {
		s.exif.Close()
		s.exif = nil
	}
}

// Decode loads the grayscale pixels for imageID. The id is the file path
// relative to the source root. Returns types.ErrNotFound for unknown ids
// and types.ErrDecode for unreadable image data.
func (s *DirectorySource) Decode(ctx context.Context, imageID string) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, err
	}

	path, err := s.resolve(imageID)
	if err != nil {
		return gocv.Mat{}, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return gocv.Mat{}, fmt.Errorf("image %s: %w", imageID, types.ErrNotFound)
		}
		return gocv.Mat{}, fmt.Errorf("image %s: %v: %w", imageID, err, types.ErrStorageUnavailable)
	}

	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if img.Empty() {
		// Fallback for formats the primary decoder does not handle.
		img, err = loadWebP(path)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("image %s: %v: %w", imageID, err, types.ErrDecode)
		}
	}

	s.normalizeOrientation(path, &img)
	return img, nil
}

// List walks the root directory and returns the relative paths of all
// supported image files in stable lexical order.
func (s *DirectorySource) List() ([]string, error) {
	var ids []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			rel, relErr := filepath.Rel(s.root, path)
			if relErr != nil {
				return nil
			}
			ids = append(ids, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot walk image root %s: %v: %w", s.root, err, types.ErrStorageUnavailable)
	}
	sort.Strings(ids)
	return ids, nil
}

// resolve maps an image id to an absolute path, rejecting ids that escape
// the root.
func (s *DirectorySource) resolve(imageID string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(imageID))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("image id escapes root: %s: %w", imageID, types.ErrNotFound)
	}
	return filepath.Join(s.root, clean), nil
}

// normalizeOrientation rotates the decoded pixels according to the file's
// EXIF orientation tag, if exiftool is available and the tag is set.
func (s *DirectorySource) normalizeOrientation(path string, img *gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exif == nil {
		return
	}

	metas := s.exif.ExtractMetadata(path)
	if len(metas) == 0 || metas[0].Err != nil {
		return
	}

	rotation, ok := rotationFor(metas[0])
	if !ok {
		return
	}

	rotated := gocv.NewMat()
	gocv.Rotate(*img, &rotated, rotation)
	img.Close()
	*img = rotated
}

// rotationFor maps the EXIF orientation of a file to the rotation that
// restores display orientation. Mirrored orientations are treated as their
// rotation component; the hashes and detectors care about geometry, not
// handedness.
func rotationFor(meta exiftool.FileMetadata) (gocv.RotateFlag, bool) {
	if value, err := meta.GetInt("Orientation"); err == nil {
		switch value {
		case 3, 4:
			return gocv.Rotate180Clockwise, true
		case 5, 6:
			return gocv.Rotate90Clockwise, true
		case 7, 8:
			return gocv.Rotate90CounterClockwise, true
		}
		return 0, false
	}

	value, err := meta.GetString("Orientation")
	if err != nil {
		return 0, false
	}
	switch {
	case strings.Contains(value, "180"):
		return gocv.Rotate180Clockwise, true
	case strings.Contains(value, "90 CW"):
		return gocv.Rotate90Clockwise, true
	case strings.Contains(value, "270 CW"), strings.Contains(value, "90 CCW"):
		return gocv.Rotate90CounterClockwise, true
	}
	return 0, false
}
