package urlcache

import "github.com/jmgilman/go/urlcache/internal/errs"

// Sentinel errors for the cache's failure modes. Every error returned by
// the cache wraps one of these, so they can be checked with errors.Is. The
// returned errors are also platform errors from github.com/jmgilman/go/errors
// and carry an error code and retry classification.
var (
	// ErrNotFound indicates that no entry exists for a URL.
	ErrNotFound = errs.ErrNotFound

	// ErrStorage indicates that persisted state could not be read, written or deleted.
	ErrStorage = errs.ErrStorage

	// ErrCorrupted indicates that a stored entry failed verification. It is
	// always reported together with ErrStorage.
	ErrCorrupted = errs.ErrCorrupted

	// ErrNetwork indicates a failed fetch, including non-2xx responses.
	ErrNetwork = errs.ErrNetwork

	// ErrDecode indicates that bytes could not be decoded as an image.
	ErrDecode = errs.ErrDecode

	// ErrCanceled indicates that a request was withdrawn before completion.
	ErrCanceled = errs.ErrCanceled

	// ErrClosed indicates use of a cache after Close.
	ErrClosed = errs.ErrClosed
)

// Error codes specific to the cache. The generic codes (NOT_FOUND,
// NETWORK_ERROR, TIMEOUT, INVALID_INPUT, INVALID_CONFIG) come from
// github.com/jmgilman/go/errors.
const (
	CodeStorage  = errs.CodeStorage
	CodeDecode   = errs.CodeDecode
	CodeCanceled = errs.CodeCanceled
)
