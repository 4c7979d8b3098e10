package models

import "errors"

var (
	// ErrValidation rejects a capture request before anything is decoded or written.
	ErrValidation = errors.New("invalid capture request")

	// ErrDecode is a malformed data URI or base64 payload.
	ErrDecode = errors.New("malformed image payload")

	// ErrImageDecode means the payload bytes are not an image in a supported format.
	ErrImageDecode = errors.New("cannot decode image")

	// ErrPersistence is a failed write or post-write read-back. The record may
	// be left with an image and no sidecar; it is never retried.
	ErrPersistence = errors.New("capture persistence failed")

	// ErrMetadata marks a record found during enumeration whose sidecar is
	// missing or unparsable.
	ErrMetadata = errors.New("no metadata")

	ErrNotFound = errors.New("capture not found")
)

// IsRequestError reports whether err aborts a single capture without
// touching storage or session state.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDecode) || errors.Is(err, ErrImageDecode)
}
