package urlcache

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"mime"
	"strings"

	"github.com/jmgilman/go/urlcache/internal/errs"
	"github.com/jmgilman/go/urlcache/internal/store"
)

// Kind tags how a payload is decoded. It does not affect storage.
type Kind = store.Kind

// Payload kinds.
const (
	KindData = store.KindData
	KindJPEG = store.KindJPEG
	KindPNG  = store.KindPNG
)

// ParseKind parses "data", "jpeg" or "png". An empty string is KindData.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return KindData, nil
	}
	if k == "jpg" {
		return KindJPEG, nil
	}
	if !k.Valid() {
		return "", errs.InvalidInput("unknown payload kind %q", s)
	}
	return k, nil
}

// ImageDecoder decodes stored or fetched bytes into an image.
type ImageDecoder interface {
	Decode(data []byte, kind Kind) (image.Image, error)
}

// StdDecoder decodes JPEG and PNG with the standard library. Untyped
// payloads are sniffed.
type StdDecoder struct{}

// Decode implements ImageDecoder.
func (StdDecoder) Decode(data []byte, kind Kind) (image.Image, error) {
	r := bytes.NewReader(data)
	switch kind {
	case KindJPEG:
		return jpeg.Decode(r)
	case KindPNG:
		return png.Decode(r)
	default:
		img, _, err := image.Decode(r)
		return img, err
	}
}

// DetectKind infers the image kind of a response from its Content-Type,
// falling back to the URL. It returns KindData when neither names a
// supported image type.
func DetectKind(contentType, url string) Kind {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/jpeg", "image/jpg", "image/pjpeg":
			return KindJPEG
		case "image/png":
			return KindPNG
		}
	}

	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, ".jpg"), strings.Contains(lower, ".jpeg"):
		return KindJPEG
	case strings.Contains(lower, ".png"):
		return KindPNG
	}
	return KindData
}
