package buildcache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey        = errors.New("invalid cache key")
	ErrMalformedMetadata = errors.New("malformed cache metadata")
	ErrContainment       = errors.New("cache path outside cache root")
	ErrCorruptEntry      = errors.New("corrupt cache entry")
)

// CorruptEntryError reports a selected cache entry whose declared artifact is
// missing. It fails the stage instead of falling back to a rebuild.
type CorruptEntryError struct {
	Key      Key
	Artifact string
	Err      error
}

func (e *CorruptEntryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cache entry %s is missing artifact %q", e.Key, e.Artifact)
	}
	return fmt.Sprintf("cache entry %s is missing artifact %q: %v", e.Key, e.Artifact, e.Err)
}

func (e *CorruptEntryError) Unwrap() error {
	return e.Err
}

func (e *CorruptEntryError) Is(target error) bool {
	return target == ErrCorruptEntry
}
