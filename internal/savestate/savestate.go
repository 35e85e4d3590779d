// Package savestate implements the save state container. A save state is a
// zip archive with one zstd compressed entry per component section.
package savestate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrSectionNotFound is returned when a section is missing in the archive.
	ErrSectionNotFound = errors.New("save state section not found")
	// ErrSizeMismatch is returned when a section does not match the size of
	// its destination.
	ErrSizeMismatch = errors.New("save state section size mismatch")
)

// Writer writes sections to a save state archive.
type Writer struct {
	zw *zip.Writer
}

// NewWriter returns a writer that writes the archive to w.
func NewWriter(w io.Writer) *Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	return &Writer{zw: zw}
}

// WriteSection writes a raw section.
func (w *Writer) WriteSection(name string, data []byte) error {
	f, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zstd.ZipMethodWinZip,
	})
	if err != nil {
		return fmt.Errorf("creating section %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing section %s: %w", name, err)
	}
	return nil
}

// WriteStruct writes a fixed size value as a little endian section.
func (w *Writer) WriteStruct(name string, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("encoding section %s: %w", name, err)
	}
	return w.WriteSection(name, buf.Bytes())
}

// Close finishes the archive. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("closing save state archive: %w", err)
	}
	return nil
}

// Reader reads sections of a save state archive.
type Reader struct {
	files map[string]*zip.File
}

// NewReader opens the archive of the given size.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening save state archive: %w", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	return &Reader{files: files}, nil
}

// NewBytesReader opens an archive held in memory.
func NewBytesReader(data []byte) (*Reader, error) {
	return NewReader(bytes.NewReader(data), int64(len(data)))
}

// Sections returns the sorted section names.
func (r *Reader) Sections() []string {
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadSection returns the content of a section.
func (r *Reader) ReadSection(name string) ([]byte, error) {
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening section %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading section %s: %w", name, err)
	}
	return data, nil
}

// ReadInto copies a section into a memory region of exactly the same size.
func (r *Reader) ReadInto(name string, dst []byte) error {
	data, err := r.ReadSection(name)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("%w: %s has %d bytes, expected %d", ErrSizeMismatch, name, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// ReadStruct decodes a little endian section into the fixed size value
// pointed to by v.
func (r *Reader) ReadStruct(name string, v any) error {
	data, err := r.ReadSection(name)
	if err != nil {
		return err
	}
	if size := binary.Size(v); size != len(data) {
		return fmt.Errorf("%w: %s has %d bytes, expected %d", ErrSizeMismatch, name, len(data), size)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("decoding section %s: %w", name, err)
	}
	return nil
}
