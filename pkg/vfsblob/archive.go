package vfsblob

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/valyala/gozstd"

	"rbpack-tools/go/pkg/fsutil"
	"rbpack-tools/go/pkg/logbowl"
)

var ErrZipSlip = errors.New("archive entry escapes destination")

// archiveDir writes sourceDir as a zstd-compressed tar, skipping paths that
// match any doublestar pattern. It returns the archive and the number of
// regular files written.
func archiveDir(log logbowl.Logger, sourceDir string, excludes []string) ([]byte, int, error) {
	var buf bytes.Buffer
	zw := gozstd.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	files := 0

	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		for _, pattern := range excludes {
			match, err := doublestar.Match(pattern, rel)
			if err != nil {
				return fmt.Errorf("exclude pattern %q: %w", pattern, err)
			}
			if match {
				log.Debug("vfs", "exclude", "skip", "Excluding path", "path", rel, "pattern", pattern)
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	zw.Release()
	return buf.Bytes(), files, nil
}

// unTar extracts a zstd-compressed tar into dest and returns the regular
// files it wrote. Entries and link targets that would land outside dest are
// rejected.
func unTar(r io.Reader, dest string) ([]string, error) {
	zr := gozstd.NewReader(r)
	defer zr.Release()
	tr := tar.NewReader(zr)

	var files []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if !fsutil.Within(dest, target) {
			return nil, fmt.Errorf("%w: %s", ErrZipSlip, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
			files = append(files, hdr.Name)
		case tar.TypeSymlink:
			resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname))
			if filepath.IsAbs(hdr.Linkname) || !fsutil.Within(dest, resolved) {
				return nil, fmt.Errorf("%w: link %s -> %s", ErrZipSlip, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}
