package vfsblob

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/gozstd"

	"rbpack-tools/go/pkg/logbowl"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func filesInArchive(t *testing.T, data []byte) map[string]bool {
	zr := gozstd.NewReader(bytes.NewReader(data))
	defer zr.Release()
	tr := tar.NewReader(zr)
	files := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			files[hdr.Name] = true
		}
	}
	return files
}

func TestArchiveDirExcludes(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"app.rb":             "puts :hi",
		"lib/app/version.rb": "VERSION = '1'",
		"spec/app_spec.rb":   "describe",
		"tmp/cache/bootsnap": "x",
		"lib/app/.git/HEAD":  "ref",
	})

	data, n, err := archiveDir(logbowl.Null(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, filesInArchive(t, data), 5)

	data, n, err = archiveDir(logbowl.Null(), src, []string{"spec/**", "tmp", "**/.git"})
	require.NoError(t, err)
	files := filesInArchive(t, data)
	assert.Equal(t, 2, n)
	assert.True(t, files["app.rb"])
	assert.True(t, files["lib/app/version.rb"])
	assert.False(t, files["spec/app_spec.rb"])
	assert.False(t, files["lib/app/.git/HEAD"])
}

func TestPackOpenExtract(t *testing.T) {
	tmp := t.TempDir()
	app := filepath.Join(tmp, "app")
	gems := filepath.Join(tmp, "bundle")
	writeFiles(t, app, map[string]string{"bin/server": "require 'rack'", "lib/server.rb": "class Server; end"})
	writeFiles(t, gems, map[string]string{"ruby/3.3.0/gems/rack-3.0.0/lib/rack.rb": "module Rack; end"})
	require.NoError(t, os.Symlink("server.rb", filepath.Join(app, "lib", "alias.rb")))

	out := filepath.Join(tmp, "vfs.blob")
	footer, err := Pack(logbowl.Null(), out, Sources{AppDir: app, GemDir: gems, EntryPoint: "bin/server", RuntimeVersion: "3.3.6"})
	require.NoError(t, err)
	assert.Equal(t, Version, footer.BlobVersion)
	assert.Equal(t, footer.ManifestSize, footer.AppOffset)
	assert.Equal(t, footer.AppOffset+footer.AppSize, footer.GemsOffset)

	gotFooter, manifest, err := Open(out)
	require.NoError(t, err)
	assert.Equal(t, *footer, *gotFooter)
	assert.Equal(t, "bin/server", manifest.EntryPoint)
	assert.Equal(t, "3.3.6", manifest.RuntimeVersion)
	assert.Equal(t, 2, manifest.AppFiles)
	assert.Equal(t, 1, manifest.GemFiles)
	assert.Equal(t, GemsMount, manifest.GemsMount)

	dest := filepath.Join(tmp, "out")
	_, err = Extract(out, dest)
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(dest, "app", "lib", "server.rb"))
	require.NoError(t, err)
	assert.Equal(t, "class Server; end", string(content))
	assert.FileExists(t, filepath.Join(dest, "gems", "ruby", "3.3.0", "gems", "rack-3.0.0", "lib", "rack.rb"))
	link, err := os.Readlink(filepath.Join(dest, "app", "lib", "alias.rb"))
	require.NoError(t, err)
	assert.Equal(t, "server.rb", link)
}

func TestBlobAppendedToExecutable(t *testing.T) {
	tmp := t.TempDir()
	app := filepath.Join(tmp, "app")
	writeFiles(t, app, map[string]string{"main.rb": "puts 1"})
	blob := filepath.Join(tmp, "vfs.blob")
	footer, err := Pack(logbowl.Null(), blob, Sources{AppDir: app, EntryPoint: "main.rb"})
	require.NoError(t, err)
	assert.Zero(t, footer.GemsSize)

	exe := filepath.Join(tmp, "server")
	require.NoError(t, os.WriteFile(exe, []byte("\x7fELF pretend executable body"), 0o755))
	require.NoError(t, Append(exe, blob))

	_, manifest, err := Open(exe)
	require.NoError(t, err)
	assert.Equal(t, "main.rb", manifest.EntryPoint)
	assert.Empty(t, manifest.GemsMount)

	dest := filepath.Join(tmp, "out")
	_, err = Extract(exe, dest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "app", "main.rb"))
	assert.NoDirExists(t, filepath.Join(dest, "gems"))
}

func TestPackRequiresEntryPoint(t *testing.T) {
	app := t.TempDir()
	_, err := Pack(logbowl.Null(), filepath.Join(t.TempDir(), "b"), Sources{AppDir: app, EntryPoint: "missing.rb"})
	assert.Error(t, err)
	_, err = Pack(logbowl.Null(), filepath.Join(t.TempDir(), "b"), Sources{AppDir: app})
	assert.Error(t, err)
}

func TestReadFooterRejectsCorruption(t *testing.T) {
	tmp := t.TempDir()
	app := filepath.Join(tmp, "app")
	writeFiles(t, app, map[string]string{"main.rb": "puts 1"})
	blob := filepath.Join(tmp, "vfs.blob")
	_, err := Pack(logbowl.Null(), blob, Sources{AppDir: app, EntryPoint: "main.rb"})
	require.NoError(t, err)

	data, err := os.ReadFile(blob)
	require.NoError(t, err)
	// Flip a byte inside the footer's section table.
	data[len(data)-len(MagicEOFString)-FooterSize] ^= 0xff
	require.NoError(t, os.WriteFile(blob, data, 0o644))
	_, _, err = Open(blob)
	assert.ErrorContains(t, err, "checksum")

	plain := filepath.Join(tmp, "plain")
	require.NoError(t, os.WriteFile(plain, bytes.Repeat([]byte("x"), 200), 0o644))
	_, _, err = Open(plain)
	assert.ErrorIs(t, err, ErrNoBlob)

	tiny := filepath.Join(tmp, "tiny")
	require.NoError(t, os.WriteFile(tiny, []byte("x"), 0o644))
	_, _, err = Open(tiny)
	assert.ErrorIs(t, err, ErrNoBlob)
}

func tarZstd(t *testing.T, entries []tar.Header) []byte {
	var buf bytes.Buffer
	zw := gozstd.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, hdr := range entries {
		hdr := hdr
		body := []byte("payload")
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(body))
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write(body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	zw.Release()
	return buf.Bytes()
}

func TestUnTarRejectsZipSlip(t *testing.T) {
	cases := map[string][]tar.Header{
		"dot dot file":  {{Name: "../evil.rb", Typeflag: tar.TypeReg, Mode: 0o644}},
		"nested escape": {{Name: "lib/../../evil.rb", Typeflag: tar.TypeReg, Mode: 0o644}},
		"absolute link": {{Name: "lib/passwd", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		"escaping link": {{Name: "lib/up", Typeflag: tar.TypeSymlink, Linkname: "../../outside"}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			_, err := unTar(bytes.NewReader(tarZstd(t, entries)), dest)
			assert.ErrorIs(t, err, ErrZipSlip)
			assert.NoFileExists(t, filepath.Join(parent, "evil.rb"))
		})
	}
}
