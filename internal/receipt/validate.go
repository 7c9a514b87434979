// Package receipt validates, sanitizes and stores the receipt files that back
// manually recorded payments.
package receipt

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Validation errors.
var (
	ErrUnsupportedType = errors.New("unsupported receipt type")
	ErrFileTooLarge    = errors.New("receipt exceeds maximum size")
	ErrEmptyFile       = errors.New("receipt is empty")
	ErrTypeMismatch    = errors.New("receipt content does not match its type")
)

// Allowed MIME types.
const (
	MIMEPDF  = "application/pdf"
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWebP = "image/webp"
)

// DefaultMaxSizeBytes is the receipt size ceiling.
const DefaultMaxSizeBytes = 10 * 1024 * 1024

// allowedExtensions maps file extensions to their MIME type.
var allowedExtensions = map[string]string{
	".pdf":  MIMEPDF,
	".jpg":  MIMEJPEG,
	".jpeg": MIMEJPEG,
	".png":  MIMEPNG,
	".webp": MIMEWebP,
}

// extensions maps MIME types to the extension used in object keys.
var extensions = map[string]string{
	MIMEPDF:  ".pdf",
	MIMEJPEG: ".jpg",
	MIMEPNG:  ".png",
	MIMEWebP: ".webp",
}

// Validate checks a receipt's name, size and content and returns its MIME
// type. The type comes from the file extension and must agree with the
// sniffed content.
func Validate(fileName string, data []byte, maxSizeBytes int64) (string, error) {
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMaxSizeBytes
	}
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if int64(len(data)) > maxSizeBytes {
		return "", fmt.Errorf("%w: got %d bytes, maximum is %d", ErrFileTooLarge, len(data), maxSizeBytes)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	contentType, ok := allowedExtensions[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	if sniffed != contentType {
		return "", fmt.Errorf("%w: %s file looks like %s", ErrTypeMismatch, ext, sniffed)
	}
	return contentType, nil
}

// ObjectKey returns a fresh object key for a receipt of the given type.
// Pattern: receipts/{uuid}{ext}
func ObjectKey(contentType string) (string, error) {
	ext, ok := extensions[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	return "receipts/" + uuid.New().String() + ext, nil
}

// CleanFileName strips any directory part from a client-supplied file name.
func CleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
