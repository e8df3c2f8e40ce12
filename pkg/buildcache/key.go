package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StageKind names the pipeline stage a cache entry belongs to. The value is
// used verbatim in entry directory names.
type StageKind string

const (
	KindRuntime    StageKind = "ruby"
	KindPackages   StageKind = "bundle"
	KindNative     StageKind = "native"
	KindLinkInputs StageKind = "link"
)

// ContentHashLen is the number of hex characters kept from the lock file digest.
const ContentHashLen = 16

// ContentHash returns the first 16 hex characters of the sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:ContentHashLen]
}

// HashLockFile hashes the dependency lock file at path. A missing lock file
// is not an error: ok is false and the dependent stages are skipped.
func HashLockFile(path string) (hash string, ok bool, err error) {
	if path == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading lock file: %w", err)
	}
	return ContentHash(data), true, nil
}

// Key addresses one cache entry.
type Key struct {
	Kind           StageKind
	RuntimeVersion string
	ContentHash    string
}

// RuntimeKey is the key of the runtime build entry, which is shared by every
// project using the same runtime version.
func RuntimeKey(version string) Key {
	return Key{Kind: KindRuntime, RuntimeVersion: version}
}

func (k Key) String() string {
	if k.Kind == KindRuntime {
		return fmt.Sprintf("%s/%s", k.RuntimeVersion, k.Kind)
	}
	return fmt.Sprintf("%s/%s-%s", k.RuntimeVersion, k.Kind, k.ContentHash)
}

// Dir maps the key to its entry directory under root:
//
//	root/<version>                 runtime build
//	root/<version>/<kind>-<hash>   every other stage
func (k Key) Dir(root string) (string, error) {
	if err := ValidateVersion(k.RuntimeVersion); err != nil {
		return "", err
	}
	versionDir := filepath.Join(root, k.RuntimeVersion)
	if k.Kind == KindRuntime {
		return versionDir, nil
	}
	if !isHex(k.ContentHash) || len(k.ContentHash) != ContentHashLen {
		return "", fmt.Errorf("%w: content hash %q", ErrInvalidKey, k.ContentHash)
	}
	if k.Kind == "" || strings.ContainsAny(string(k.Kind), `/\.`) {
		return "", fmt.Errorf("%w: stage kind %q", ErrInvalidKey, k.Kind)
	}
	return filepath.Join(versionDir, fmt.Sprintf("%s-%s", k.Kind, k.ContentHash)), nil
}

// ValidateVersion rejects runtime version strings that could address a
// directory other than a direct child of the cache root.
func ValidateVersion(version string) error {
	switch {
	case version == "":
		return fmt.Errorf("%w: empty runtime version", ErrInvalidKey)
	case version == "." || version == ".." || strings.Contains(version, ".."):
		return fmt.Errorf("%w: runtime version %q", ErrInvalidKey, version)
	case strings.ContainsAny(version, `/\`) || filepath.Base(version) != version:
		return fmt.Errorf("%w: runtime version %q", ErrInvalidKey, version)
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return s != ""
}
