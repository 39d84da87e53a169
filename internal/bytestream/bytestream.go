// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package bytestream implements a bounded, cursor-tracked reader and writer
// over a byte slice, used throughout the predictor to decode and re-encode
// the variable-sized vendor structures embedded in TCG event log records
// (EFI device paths, EFI variables, GPT tables, IPL strings).
package bytestream

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrTruncated is returned whenever a read would run past the end of the
// underlying slice. The predictor never silently truncates a read.
var ErrTruncated = errors.New("bytestream: truncated read")

// Reader is a cursor-tracked, read-only view over a borrowed byte slice. It
// never copies or frees the backing storage.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for reading. buf is borrowed: the Reader must not
// outlive modifications to it, and Close (there is none) never frees it.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Available returns the number of unread bytes.
func (r *Reader) Available() int { return len(r.buf) - r.pos }

// EOF reports whether every byte has been consumed.
func (r *Reader) EOF() bool { return r.pos >= len(r.buf) }

// Pos returns the current read offset.
func (r *Reader) Pos() int { return r.pos }

func (r *Reader) require(n int) error {
	if n < 0 || n > r.Available() {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, r.Available())
	}
	return nil
}

// Get returns the next n bytes as a sub-slice of the borrowed buffer and
// advances the cursor. The returned slice aliases the reader's backing
// storage and must not be retained past the lifetime of the source buffer.
func (r *Reader) Get(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// GetU8 reads a single byte.
func (r *Reader) GetU8() (uint8, error) {
	b, err := r.Get(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetU16LE reads a little-endian uint16.
func (r *Reader) GetU16LE() (uint16, error) {
	b, err := r.Get(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// GetU32LE reads a little-endian uint32.
func (r *Reader) GetU32LE() (uint32, error) {
	b, err := r.Get(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// GetU64LE reads a little-endian uint64.
func (r *Reader) GetU64LE() (uint64, error) {
	b, err := r.Get(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// GetUTF16LE decodes nCodeUnits UTF-16LE code units (2*nCodeUnits bytes) into
// a UTF-8 string.
func (r *Reader) GetUTF16LE(nCodeUnits int) (string, error) {
	raw, err := r.Get(nCodeUnits * 2)
	if err != nil {
		return "", err
	}
	out, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("bytestream: invalid utf16le: %w", err)
	}
	return string(out), nil
}

// Writer is a cursor-tracked writer that accumulates into an owned byte
// slice.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated output. The returned slice aliases the
// writer's internal buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Put appends b verbatim.
func (w *Writer) Put(b []byte) { w.buf = append(w.buf, b...) }

// PutU8 appends a single byte.
func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

// PutU16LE appends a little-endian uint16.
func (w *Writer) PutU16LE(v uint16) {
	w.buf = append(w.buf, byte(v), byte(v>>8))
}

// PutU32LE appends a little-endian uint32.
func (w *Writer) PutU32LE(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// PutU64LE appends a little-endian uint64.
func (w *Writer) PutU64LE(v uint64) {
	for i := 0; i < 8; i++ {
		w.buf = append(w.buf, byte(v))
		v >>= 8
	}
}

// PutUTF16LE encodes s as UTF-16LE and appends it, without a terminating
// NUL code unit.
func (w *Writer) PutUTF16LE(s string) error {
	out, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder(), []byte(s))
	if err != nil {
		return fmt.Errorf("bytestream: cannot encode utf16le: %w", err)
	}
	w.Put(out)
	return nil
}

// FormatOctets renders b as a lowercase hex string, the printing convention
// used throughout the predictor for digests and other octet strings.
func FormatOctets(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
