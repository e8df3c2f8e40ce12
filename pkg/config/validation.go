package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FieldError names the offending setting.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// Validate rejects settings the build cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	v := c.RuntimeVersion
	switch {
	case strings.TrimSpace(v) == "":
		return newFieldError("runtime_version", "must not be empty")
	case strings.ContainsAny(v, `/\`) || strings.Contains(v, ".."):
		return newFieldError("runtime_version", "must not contain path separators or ..")
	}

	info, err := os.Stat(c.ProjectDir)
	if err != nil || !info.IsDir() {
		return newFieldError("project_dir", fmt.Sprintf("%s is not a directory", c.ProjectDir))
	}
	if c.EntryPoint != "" {
		if filepath.IsAbs(c.EntryPoint) || strings.HasPrefix(filepath.Clean(c.EntryPoint), "..") {
			return newFieldError("entry_point", "must be relative to the project directory")
		}
	}
	if c.CacheRoot == "" {
		return newFieldError("cache_root", "must not be empty")
	}
	for _, pattern := range c.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return newFieldError("exclude", fmt.Sprintf("invalid pattern %q", pattern))
		}
	}
	return nil
}
