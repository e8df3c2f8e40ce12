// Package vfsblob writes and reads the data blob holding the files the
// packaged executable serves from its virtual filesystem: the application
// tree and the resolved gem tree, each as a zstd-compressed tar, plus a JSON
// manifest. A fixed-size footer and an end magic string trail the sections so
// the blob can be found at the end of a file it was appended to.
package vfsblob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/gozstd"

	"rbpack-tools/go/pkg/fsutil"
	"rbpack-tools/go/pkg/logbowl"
)

const maxSectionSize = 2 * 1024 * 1024 * 1024 // 2 GB

// Mount points of the two trees inside the virtual filesystem.
const (
	AppMount  = "/__rbpack__/app"
	GemsMount = "/__rbpack__/gems"
)

// Sources names the trees packed into a blob.
type Sources struct {
	AppDir         string
	GemDir         string
	EntryPoint     string
	RuntimeVersion string
	Excludes       []string
}

// Manifest is the first section of a blob.
type Manifest struct {
	EntryPoint     string    `json:"entry_point"`
	RuntimeVersion string    `json:"runtime_version"`
	AppMount       string    `json:"app_mount"`
	GemsMount      string    `json:"gems_mount,omitempty"`
	AppFiles       int       `json:"app_files"`
	GemFiles       int       `json:"gem_files"`
	CreatedAt      time.Time `json:"created_at"`
}

// Pack writes a blob for src to out.
func Pack(log logbowl.Logger, out string, src Sources) (*Footer, error) {
	if !fsutil.IsDir(src.AppDir) {
		return nil, fmt.Errorf("application directory %s not found", src.AppDir)
	}
	if src.EntryPoint == "" {
		return nil, fmt.Errorf("entry point required")
	}
	if _, err := os.Stat(filepath.Join(src.AppDir, filepath.FromSlash(src.EntryPoint))); err != nil {
		return nil, fmt.Errorf("entry point: %w", err)
	}

	appBytes, appFiles, err := archiveDir(log, src.AppDir, src.Excludes)
	if err != nil {
		return nil, fmt.Errorf("archiving application: %w", err)
	}
	manifest := Manifest{
		EntryPoint:     filepath.ToSlash(src.EntryPoint),
		RuntimeVersion: src.RuntimeVersion,
		AppMount:       AppMount,
		AppFiles:       appFiles,
		CreatedAt:      time.Now().UTC(),
	}

	var gemBytes []byte
	if src.GemDir != "" {
		var gemFiles int
		gemBytes, gemFiles, err = archiveDir(log, src.GemDir, src.Excludes)
		if err != nil {
			return nil, fmt.Errorf("archiving gems: %w", err)
		}
		manifest.GemsMount = GemsMount
		manifest.GemFiles = gemFiles
	}

	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	manifestBytes := gozstd.Compress(nil, rawManifest)

	footer := Footer{
		ManifestOffset: 0,
		ManifestSize:   uint64(len(manifestBytes)),
		AppOffset:      uint64(len(manifestBytes)),
		AppSize:        uint64(len(appBytes)),
		GemsOffset:     uint64(len(manifestBytes) + len(appBytes)),
		GemsSize:       uint64(len(gemBytes)),
		BlobVersion:    Version,
		Magic:          FooterMagic,
	}
	if err := footer.Seal(); err != nil {
		return nil, err
	}
	trailer, err := footer.bytes()
	if err != nil {
		return nil, err
	}

	var blob bytes.Buffer
	blob.Write(manifestBytes)
	blob.Write(appBytes)
	blob.Write(gemBytes)
	blob.Write(trailer)
	if err := fsutil.WriteFileAtomic(out, blob.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("writing blob: %w", err)
	}
	log.Info("vfs", "write", "success", "VFS blob written", "path", out,
		"app_files", appFiles, "gem_files", manifest.GemFiles, "bytes", blob.Len())
	return &footer, nil
}

// Append copies the blob at blobPath onto the end of the file at exePath.
func Append(exePath, blobPath string) error {
	in, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(exePath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Open reads the footer and manifest of the blob at the end of path.
func Open(path string) (*Footer, *Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	footer, base, err := ReadFooter(f)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := readManifest(f, base, footer)
	if err != nil {
		return nil, nil, err
	}
	return footer, manifest, nil
}

// Extract unpacks the blob at the end of path into dest/app and dest/gems.
func Extract(path, dest string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	footer, base, err := ReadFooter(f)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifest(f, base, footer)
	if err != nil {
		return nil, err
	}

	sections := []struct {
		name         string
		offset, size uint64
	}{
		{"app", footer.AppOffset, footer.AppSize},
		{"gems", footer.GemsOffset, footer.GemsSize},
	}
	for _, s := range sections {
		if s.size == 0 {
			continue
		}
		data, err := readSection(f, base, s.offset, s.size)
		if err != nil {
			return nil, fmt.Errorf("reading %s section: %w", s.name, err)
		}
		if _, err := unTar(bytes.NewReader(data), filepath.Join(dest, s.name)); err != nil {
			return nil, fmt.Errorf("extracting %s section: %w", s.name, err)
		}
	}
	return manifest, nil
}

func readManifest(f *os.File, base int64, footer *Footer) (*Manifest, error) {
	data, err := readSection(f, base, footer.ManifestOffset, footer.ManifestSize)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	raw, err := gozstd.Decompress(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompressing manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

func readSection(f *os.File, base int64, offset, size uint64) ([]byte, error) {
	if size > maxSectionSize {
		return nil, fmt.Errorf("section size %d exceeds limit of %d bytes", size, maxSectionSize)
	}
	if size == 0 {
		return []byte{}, nil
	}
	data := make([]byte, size)
	n, err := f.ReadAt(data, base+int64(offset))
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("unexpected EOF reading %d bytes at offset %d (read %d)", size, offset, n)
		}
		return nil, err
	}
	return data, nil
}
