package vfsblob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
)

const (
	Version        uint16 = 0x0001
	FooterSize     int    = 60
	MagicEOFString string = "!RBVFS\x00\x00"
	FooterMagic    uint32 = 0x53465652 // 'RVFS'
)

var ErrNoBlob = errors.New("no VFS blob trailer")

// Footer locates the sections of a VFS blob. Offsets are relative to the
// first byte of the blob, which may itself be appended to an executable.
type Footer struct {
	ManifestOffset, ManifestSize uint64
	AppOffset, AppSize           uint64
	GemsOffset, GemsSize         uint64
	BlobVersion, Reserved        uint16
	Checksum, Magic              uint32
}

// BodySize is the number of section bytes preceding the footer.
func (f *Footer) BodySize() uint64 {
	return f.ManifestSize + f.AppSize + f.GemsSize
}

func (f *Footer) sum() (uint32, error) {
	tmp := *f
	tmp.Checksum = 0
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, tmp); err != nil {
		return 0, fmt.Errorf("encoding footer for checksum: %w", err)
	}
	return crc32.ChecksumIEEE(buf.Bytes()), nil
}

// Seal fills in the checksum.
func (f *Footer) Seal() error {
	sum, err := f.sum()
	if err != nil {
		return err
	}
	f.Checksum = sum
	return nil
}

// Verify reports whether the stored checksum matches the footer fields.
func (f *Footer) Verify() (bool, error) {
	sum, err := f.sum()
	if err != nil {
		return false, err
	}
	return sum == f.Checksum, nil
}

func (f *Footer) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
		return nil, err
	}
	buf.WriteString(MagicEOFString)
	return buf.Bytes(), nil
}

// ReadFooter reads and validates the trailer at the end of f and returns the
// footer together with the file offset the blob starts at.
func ReadFooter(f *os.File) (*Footer, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	trailer := int64(FooterSize + len(MagicEOFString))
	if info.Size() < trailer {
		return nil, 0, fmt.Errorf("%w: file too small", ErrNoBlob)
	}

	raw := make([]byte, trailer)
	if _, err := f.ReadAt(raw, info.Size()-trailer); err != nil {
		return nil, 0, err
	}
	if string(raw[FooterSize:]) != MagicEOFString {
		return nil, 0, fmt.Errorf("%w: bad end magic", ErrNoBlob)
	}

	var footer Footer
	if err := binary.Read(bytes.NewReader(raw[:FooterSize]), binary.LittleEndian, &footer); err != nil {
		return nil, 0, fmt.Errorf("decoding footer: %w", err)
	}
	if footer.Magic != FooterMagic {
		return nil, 0, fmt.Errorf("%w: bad footer magic 0x%08x", ErrNoBlob, footer.Magic)
	}
	ok, err := footer.Verify()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, errors.New("VFS footer checksum mismatch")
	}
	if footer.BlobVersion != Version {
		return nil, 0, fmt.Errorf("unsupported VFS blob version 0x%04x", footer.BlobVersion)
	}

	base := info.Size() - trailer - int64(footer.BodySize())
	if base < 0 {
		return nil, 0, errors.New("VFS footer sections exceed file size")
	}
	return &footer, base, nil
}
