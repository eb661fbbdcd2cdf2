package store

import (
	"crypto/sha1" //nolint:gosec // used for stable naming, not security
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind tags how a payload should be interpreted when decoded.
// It does not affect how the payload is stored.
type Kind string

// Supported payload kinds.
const (
	KindData Kind = "data"
	KindJPEG Kind = "jpeg"
	KindPNG  Kind = "png"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindData, KindJPEG, KindPNG:
		return true
	}
	return false
}

// IsImage reports whether k names an image encoding.
func (k Kind) IsImage() bool {
	return k == KindJPEG || k == KindPNG
}

// ContentType returns the MIME type for k.
func (k Kind) ContentType() string {
	switch k {
	case KindJPEG:
		return "image/jpeg"
	case KindPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Record is the metadata persisted alongside each payload.
type Record struct {
	Key           string    `json:"key"`
	Location      string    `json:"location"`
	Kind          Kind      `json:"kind"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	KeepIfExpired bool      `json:"keep_if_expired"`
	// Checksum is the hex SHA-256 of the payload.
	Checksum string `json:"checksum"`
}

// Expired reports whether the record is no longer fresh at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Location derives the storage location for key. The same key always maps
// to the same location so a rewrite replaces the previous blob.
func Location(key string) string {
	sum := sha1.Sum([]byte(key)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
