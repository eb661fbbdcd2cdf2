// Package errs defines the error taxonomy shared by the cache packages.
//
// Every constructor returns a platform error (github.com/jmgilman/go/errors)
// that carries an error code and classification while still wrapping one of
// the sentinels below, so callers can use either errors.Is or errors.GetCode.
package errs

import (
	"context"
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

// Cache-specific error codes. Codes not listed in the platform defaults are
// classified as permanent.
const (
	CodeStorage  platformerrors.ErrorCode = "STORAGE_ERROR"
	CodeDecode   platformerrors.ErrorCode = "DECODE_FAILED"
	CodeCanceled platformerrors.ErrorCode = "CANCELED"
)

var (
	// ErrNotFound indicates that no entry exists for a key.
	ErrNotFound = errors.New("cache entry not found")

	// ErrStorage indicates a failure reading, writing or deleting persisted state.
	ErrStorage = errors.New("storage error")

	// ErrCorrupted indicates a persisted entry failed its integrity check.
	ErrCorrupted = errors.New("cache entry is corrupted")

	// ErrNetwork indicates a failed fetch, including non-2xx responses.
	ErrNetwork = errors.New("network error")

	// ErrDecode indicates that fetched or stored bytes could not be decoded as an image.
	ErrDecode = errors.New("image decode failed")

	// ErrCanceled indicates that the caller withdrew before completion.
	ErrCanceled = errors.New("request canceled")

	// ErrClosed indicates use of a cache after Close.
	ErrClosed = errors.New("cache is closed")
)

// NotFound returns a NOT_FOUND error for key.
func NotFound(key string) error {
	err := platformerrors.Wrap(ErrNotFound, platformerrors.CodeNotFound, "no cache entry")
	return platformerrors.WithContext(err, "url", key)
}

// Storage wraps an I/O failure that occurred during op.
func Storage(op, key string, cause error) error {
	if cause == nil {
		return nil
	}
	var pe platformerrors.PlatformError
	if errors.As(cause, &pe) && errors.Is(cause, ErrStorage) {
		return cause
	}
	err := platformerrors.Wrap(fmt.Errorf("%w: %w", ErrStorage, cause), CodeStorage, op+" failed")
	return platformerrors.WithContextMap(err, map[string]interface{}{"op": op, "url": key})
}

// Network wraps a fetch failure for url. Deadline failures are reported with
// the TIMEOUT code; everything else is NETWORK_ERROR. Both are retryable.
func Network(url string, cause error) error {
	if cause == nil {
		return nil
	}
	code := platformerrors.CodeNetwork
	if errors.Is(cause, context.DeadlineExceeded) {
		code = platformerrors.CodeTimeout
	}
	err := platformerrors.Wrap(fmt.Errorf("%w: %w", ErrNetwork, cause), code, "fetch failed")
	return platformerrors.WithContext(err, "url", url)
}

// Status reports a non-2xx HTTP response for url.
func Status(url string, status int) error {
	err := platformerrors.Wrap(
		fmt.Errorf("%w: unexpected status %d", ErrNetwork, status),
		platformerrors.CodeNetwork,
		"fetch failed",
	)
	return platformerrors.WithContextMap(err, map[string]interface{}{"url": url, "status": status})
}

// Decode wraps an image decode failure for url.
func Decode(url string, cause error) error {
	if cause == nil {
		cause = errors.New("unsupported image type")
	}
	err := platformerrors.Wrap(fmt.Errorf("%w: %w", ErrDecode, cause), CodeDecode, "decode failed")
	return platformerrors.WithContext(err, "url", url)
}

// Canceled reports that the caller for url withdrew.
func Canceled(url string, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	err := platformerrors.Wrap(fmt.Errorf("%w: %w", ErrCanceled, cause), CodeCanceled, "request canceled")
	return platformerrors.WithContext(err, "url", url)
}

// InvalidInput reports a rejected argument.
func InvalidInput(format string, args ...interface{}) error {
	return platformerrors.Newf(platformerrors.CodeInvalidInput, format, args...)
}

// InvalidConfig reports a rejected configuration value.
func InvalidConfig(format string, args ...interface{}) error {
	return platformerrors.Newf(platformerrors.CodeInvalidConfig, format, args...)
}

// Closed reports use after Close.
func Closed() error {
	return platformerrors.Wrap(ErrClosed, platformerrors.CodeUnavailable, "cache is closed")
}
