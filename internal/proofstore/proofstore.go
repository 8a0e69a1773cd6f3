// Package proofstore keeps the selfie submitted with a scan and hands back
// the reference stored on the attendance mark.
package proofstore

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"campusattend/internal/apperrors"
	"campusattend/internal/cloudinary"
)

// PlaceholderRef is stored instead of the image when no backend is configured.
const PlaceholderRef = "data:image/jpeg;base64,..."

// IsPlaceholder reports whether ref points at no real image.
func IsPlaceholder(ref string) bool {
	return ref == "" || ref == PlaceholderRef
}

// ErrBadDataURL is returned for selfies that are not a base64 image data URL.
// Links to images hosted elsewhere are rejected too: the proof must be
// captured by the client and uploaded with the scan.
var ErrBadDataURL = apperrors.New("INVALID_PROOF", http.StatusUnprocessableEntity,
	"selfie must be a base64 encoded image data URL")

// Placeholder discards the image and records that one was supplied.
type Placeholder struct{}

func (Placeholder) Put(_ context.Context, _, _ string) (string, error) {
	return PlaceholderRef, nil
}

// Resolver turns a stored selfie reference into a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Direct resolves references that are already URLs.
type Direct struct{}

func (Direct) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}

type uploader interface {
	Upload(ctx context.Context, file, publicID string) (*cloudinary.UploadResult, error)
}

// Cloudinary uploads selfies and stores their secure URL.
type Cloudinary struct {
	client uploader
}

// NewCloudinary wraps a configured Cloudinary client.
func NewCloudinary(c *cloudinary.Client) *Cloudinary {
	return &Cloudinary{client: c}
}

func (s *Cloudinary) Put(ctx context.Context, key, dataURL string) (string, error) {
	if _, _, err := decodeDataURL(dataURL); err != nil {
		return "", err
	}
	res, err := s.client.Upload(ctx, dataURL, key)
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}

// decodeDataURL splits "data:<mime>;base64,<payload>".
func decodeDataURL(s string) (contentType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrBadDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrBadDataURL
	}
	contentType = strings.TrimSuffix(meta, ";base64")
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, ErrBadDataURL
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, apperrors.Wrap(ErrBadDataURL, err)
	}
	if len(data) == 0 {
		return "", nil, ErrBadDataURL
	}
	return contentType, data, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
