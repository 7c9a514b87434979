package receipt

import (
	"fmt"

	"github.com/h2non/bimg"
)

// Sanitizer rewrites receipt content before it is stored.
type Sanitizer interface {
	Sanitize(data []byte, contentType string) ([]byte, error)
}

// ImageSanitizer re-encodes image receipts with libvips, dropping EXIF and
// other metadata (GPS position, device details). PDFs pass through unchanged.
type ImageSanitizer struct {
	// Quality for JPEG/WebP re-encoding (1-100).
	Quality int
	// MaxWidth downsizes wider images (0 = no limit).
	MaxWidth int
}

// NewImageSanitizer returns a sanitizer with quality 85 and a 4000px width cap.
func NewImageSanitizer() *ImageSanitizer {
	return &ImageSanitizer{Quality: 85, MaxWidth: 4000}
}

// Sanitize strips metadata from JPEG, PNG and WebP receipts, keeping their format.
func (s *ImageSanitizer) Sanitize(data []byte, contentType string) ([]byte, error) {
	var imageType bimg.ImageType
	switch contentType {
	case MIMEPDF:
		return data, nil
	case MIMEJPEG:
		imageType = bimg.JPEG
	case MIMEPNG:
		imageType = bimg.PNG
	case MIMEWebP:
		imageType = bimg.WEBP
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	img := bimg.NewImage(data)
	size, err := img.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt image: %w", err)
	}

	options := bimg.Options{
		Type:          imageType,
		Quality:       s.Quality,
		StripMetadata: true,
	}
	if s.MaxWidth > 0 && size.Width > s.MaxWidth {
		options.Width = s.MaxWidth
	}

	out, err := img.Process(options)
	if err != nil {
		return nil, fmt.Errorf("failed to sanitize receipt image: %w", err)
	}
	return out, nil
}

// NopSanitizer stores content unchanged. Used when libvips is unavailable.
type NopSanitizer struct{}

// Sanitize returns data unchanged.
func (NopSanitizer) Sanitize(data []byte, _ string) ([]byte, error) {
	return data, nil
}
