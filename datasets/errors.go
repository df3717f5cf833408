package datasets

import "errors"

var (
	// ErrConfiguration reports a bad split descriptor, an impossible episode
	// shape (n_way > classes) or a missing configuration value. Not retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrMissingFile reports an image named by the split that is not in the
	// store. It surfaces on first access of the sample and aborts the episode.
	ErrMissingFile = errors.New("missing file")

	// ErrDecode reports an image payload that could not be decoded, even with
	// the truncated-image recovery.
	ErrDecode = errors.New("decode error")
)
