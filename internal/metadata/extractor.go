// Package metadata derives intrinsic properties of stored objects, currently
// pixel dimensions of images.
package metadata

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	"stash/internal/common"

	"github.com/gabriel-vasile/mimetype"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Info holds whatever could be learned about an object. Zero values mean the
// property is unknown.
type Info struct {
	Width  int
	Height int
}

// HasDimensions reports whether pixel dimensions are known.
func (i Info) HasDimensions() bool {
	return i.Width > 0 && i.Height > 0
}

// Extractor probes a stored file given its declared content type.
type Extractor interface {
	Probe(ctx context.Context, path string, contentType string) (Info, error)
}

// ImageExtractor reads image headers through the image package registry.
// Only the header is decoded, never the pixel data.
type ImageExtractor struct{}

func NewImageExtractor() *ImageExtractor {
	return &ImageExtractor{}
}

// IsImage reports whether a content type names an image.
func IsImage(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/")
}

// Probe returns an empty Info for non-image types. For images it decodes the
// header and fails with common.ErrMetadataExtraction when that is not possible.
func (e *ImageExtractor) Probe(ctx context.Context, path string, contentType string) (Info, error) {
	if !IsImage(contentType) {
		return Info{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Info{}, common.Wrap(common.ErrMetadataExtraction, err, "open image")
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, common.Wrap(common.ErrMetadataExtraction, err, fmt.Sprintf("decode %s header", contentType))
	}

	return Info{Width: cfg.Width, Height: cfg.Height}, nil
}

// Detect sniffs the content type of the file at path. It is used for uploads
// that did not declare one.
func Detect(path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", common.Wrap(common.ErrIO, err, "detect content type")
	}
	return mtype.String(), nil
}
