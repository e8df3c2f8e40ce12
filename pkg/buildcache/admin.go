package buildcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rbpack-tools/go/pkg/fsutil"
)

// ClearAll selects every runtime version in Clear.
const ClearAll = "all"

// EntryInfo describes one cache entry found by List.
type EntryInfo struct {
	Key       Key
	Dir       string
	CreatedAt time.Time
}

// Clear removes the subtree of one runtime version, or of every version when
// selector is ClearAll. Each target is resolved and checked to lie inside the
// cache root before it is removed. It returns the removed directories.
func (s *Store) Clear(selector string) ([]string, error) {
	var targets []string
	if selector == ClearAll {
		entries, err := os.ReadDir(s.Root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			targets = append(targets, filepath.Join(s.Root, e.Name()))
		}
	} else {
		if err := ValidateVersion(selector); err != nil {
			return nil, err
		}
		target := filepath.Join(s.Root, selector)
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		targets = append(targets, target)
	}

	var removed []string
	for _, target := range targets {
		resolved, err := fsutil.ResolveWithin(s.Root, target)
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrContainment, err)
		}
		if err := os.RemoveAll(resolved); err != nil {
			return removed, err
		}
		s.log.Info("cache", "delete", "success", "Removed cache subtree", "path", resolved)
		removed = append(removed, resolved)
	}
	return removed, nil
}

// List returns every entry whose metadata parses, ordered by directory.
func (s *Store) List() ([]EntryInfo, error) {
	versions, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var out []EntryInfo
	for _, v := range versions {
		if !v.IsDir() || ValidateVersion(v.Name()) != nil {
			continue
		}
		versionDir := filepath.Join(s.Root, v.Name())
		if info, ok := s.entryInfo(versionDir); ok {
			out = append(out, info)
		}
		children, err := os.ReadDir(versionDir)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.IsDir() && strings.Contains(c.Name(), "-") {
				if info, ok := s.entryInfo(filepath.Join(versionDir, c.Name())); ok {
					out = append(out, info)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

func (s *Store) entryInfo(dir string) (EntryInfo, bool) {
	_, meta, err := readDocument(filepath.Join(dir, MetadataFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cache", "read", "warning", "Skipping unreadable cache entry", "path", dir, "error", err)
		}
		return EntryInfo{}, false
	}
	return EntryInfo{
		Key:       Key{Kind: meta.Stage, RuntimeVersion: meta.RuntimeVersion, ContentHash: meta.ContentHash},
		Dir:       dir,
		CreatedAt: meta.CreatedAt,
	}, true
}
