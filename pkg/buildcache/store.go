// Package buildcache stores the outputs of expensive pipeline stages under a
// shared cache root, one directory per key:
//
//	<root>/<runtime_version>/
//	    ruby/                       runtime install tree
//	    metadata.json               {work_dir, runtime_version, created_at, ...}
//	<root>/<runtime_version>/<stage>-<content_hash>/
//	    <artifact>/...              stage payload trees
//	    metadata.json               stage fields + created_at, runtime_version, content_hash
//
// Entries are checked for structural presence only. Saves are not guarded
// against concurrent writers; metadata is written last so a reader racing a
// writer sees a miss rather than a half-populated entry.
package buildcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"rbpack-tools/go/pkg/fsutil"
	"rbpack-tools/go/pkg/logbowl"
	"rbpack-tools/go/pkg/pathcodec"
)

// Store is a cache root on disk.
type Store struct {
	Root string
	log  logbowl.Logger
	now  func() time.Time
}

// Open creates the cache root when needed and returns a Store over it.
func Open(root string, log logbowl.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{Root: abs, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) entryDir(key Key) (string, error) {
	dir, err := key.Dir(s.Root)
	if err != nil {
		return "", err
	}
	if !fsutil.Within(s.Root, dir) {
		return "", fmt.Errorf("%w: %s", ErrContainment, dir)
	}
	return dir, nil
}

// Exists reports whether every artifact the schema declares is present and
// the metadata document parses. Anomalies on an entry that otherwise exists
// are logged as warnings and reported as a miss.
func (s *Store) Exists(key Key, schema Schema) bool {
	dir, err := s.entryDir(key)
	if err != nil {
		s.log.Warn("cache", "verify", "invalid", "Cache key rejected", "key", key.String(), "error", err)
		return false
	}
	doc, _, err := readDocument(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("cache", "verify", "notfound", "No cache entry", "key", key.String())
		} else {
			s.log.Warn("cache", "verify", "warning", "Unreadable cache metadata, treating as miss", "key", key.String(), "error", err)
		}
		return false
	}
	for _, name := range schema.Artifacts {
		if !fsutil.IsDir(filepath.Join(dir, name)) {
			s.log.Warn("cache", "verify", "warning", "Cache entry is missing an artifact, treating as miss", "key", key.String(), "artifact", name)
			return false
		}
	}
	for field, artifact := range schema.Nested {
		paths, err := doc.nestedPaths(field)
		if err != nil {
			s.log.Warn("cache", "verify", "warning", "Unreadable nested artifact list, treating as miss", "key", key.String(), "error", err)
			return false
		}
		for _, rel := range paths {
			nested := filepath.Join(dir, artifact, filepath.FromSlash(rel))
			if !fsutil.Within(filepath.Join(dir, artifact), nested) || !fsutil.IsDir(nested) {
				s.log.Warn("cache", "verify", "warning", "Cache entry is missing a nested tree, treating as miss", "key", key.String(), "path", rel)
				return false
			}
		}
	}
	return true
}

// Save replaces the entry at key with copies of sources (artifact name to
// directory) and a metadata document built from fields.
func (s *Store) Save(key Key, schema Schema, sources map[string]string, fields any, codec *pathcodec.Codec) error {
	if key.Kind != schema.Kind {
		return fmt.Errorf("key kind %s does not match schema %s", key.Kind, schema.Kind)
	}
	dir, err := s.entryDir(key)
	if err != nil {
		return err
	}
	for _, name := range schema.Artifacts {
		src, ok := sources[name]
		if !ok || !fsutil.IsDir(src) {
			return fmt.Errorf("saving %s: artifact %q has no source directory", key, name)
		}
	}

	meta := Metadata{
		Stage:          key.Kind,
		RuntimeVersion: key.RuntimeVersion,
		ContentHash:    key.ContentHash,
		CreatedAt:      s.now(),
		PathCodec:      pathcodec.Version,
	}
	doc, err := encodeDocument(schema, meta, fields, codec)
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}

	// The runtime entry shares its directory with the other stages of the
	// same version, so only its own files are replaced.
	if key.Kind == KindRuntime {
		if err := os.Remove(filepath.Join(dir, MetadataFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	} else if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing previous entry %s: %w", key, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache entry: %w", err)
	}

	for _, name := range schema.Artifacts {
		s.log.Debug("cache", "save", "progress", "Copying artifact into cache", "key", key.String(), "artifact", name, "from", sources[name])
		if err := fsutil.ReplaceDir(sources[name], filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("saving %s artifact %s: %w", key, name, err)
		}
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, MetadataFile), doc, 0o644); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", key, err)
	}
	s.log.Info("cache", "save", "success", "Cache entry saved", "key", key.String())
	return nil
}

// Restore copies every artifact of the entry at key into dests (artifact name
// to destination directory, replacing what is there), decodes path fields
// against codec and unmarshals the stage fields into out.
func (s *Store) Restore(key Key, schema Schema, dests map[string]string, codec *pathcodec.Codec, out any) (*Metadata, error) {
	dir, err := s.entryDir(key)
	if err != nil {
		return nil, err
	}
	doc, meta, err := readDocument(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &CorruptEntryError{Key: key, Artifact: MetadataFile, Err: err}
		}
		return nil, err
	}
	if meta.Stage != "" && meta.Stage != key.Kind {
		return nil, fmt.Errorf("%w: entry %s records stage %s", ErrMalformedMetadata, key, meta.Stage)
	}

	for _, name := range schema.Artifacts {
		src := filepath.Join(dir, name)
		if !fsutil.IsDir(src) {
			return nil, &CorruptEntryError{Key: key, Artifact: name}
		}
		dst, ok := dests[name]
		if !ok || dst == "" {
			return nil, fmt.Errorf("restoring %s: no destination for artifact %q", key, name)
		}
		s.log.Debug("cache", "restore", "progress", "Copying artifact out of cache", "key", key.String(), "artifact", name, "to", dst)
		if err := fsutil.ReplaceDir(src, dst); err != nil {
			return nil, fmt.Errorf("restoring %s artifact %s: %w", key, name, err)
		}
	}

	if err := doc.decodeInto(schema, codec, out); err != nil {
		return nil, fmt.Errorf("restoring %s: %w", key, err)
	}
	s.log.Info("cache", "restore", "cached", "Cache entry restored", "key", key.String())
	return meta, nil
}

// RuntimeRecord returns the workspace record stored with the runtime entry
// for version, or nil when there is none.
func (s *Store) RuntimeRecord(version string) (*WorkspaceRecord, error) {
	dir, err := s.entryDir(RuntimeKey(version))
	if err != nil {
		return nil, err
	}
	doc, meta, err := readDocument(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var fields RuntimeFields
	if err := doc.decodeInto(RuntimeSchema, nil, &fields); err != nil {
		return nil, err
	}
	if fields.WorkDir == "" {
		return nil, fmt.Errorf("%w: runtime entry %s has no work_dir", ErrMalformedMetadata, version)
	}
	return &WorkspaceRecord{Path: fields.WorkDir, RuntimeVersion: meta.RuntimeVersion, CreatedAt: meta.CreatedAt}, nil
}
