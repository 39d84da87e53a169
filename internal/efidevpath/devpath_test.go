// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package efidevpath

import (
	"bytes"
	"testing"

	efi "github.com/canonical/go-efilib"
)

// filePathFixtureBytes is a device path with one MEDIA/FILE_PATH item
// encoding "\EFI\BOOT" followed by the end-entire sentinel.
func filePathFixtureBytes() []byte {
	return []byte{
		0x04, 0x04, 0x18, 0x00,
		'\\', 0x00, 'E', 0x00, 'F', 0x00, 'I', 0x00,
		'\\', 0x00, 'B', 0x00, 'O', 0x00, 'O', 0x00, 'T', 0x00,
		0x00, 0x00,
		0x7f, 0xff, 0x04, 0x00,
	}
}

func TestFilePathDecode(t *testing.T) {
	p, err := Parse(filePathFixtureBytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 1 {
		t.Fatalf("expected 1 item, got %d", len(p))
	}
	got, ok := p[0].FilePath()
	if !ok {
		t.Fatal("expected a file-path item")
	}
	if got != "/EFI/BOOT" {
		t.Fatalf("got %q, want /EFI/BOOT", got)
	}
}

func TestMarshalRoundTripsWithoutSentinel(t *testing.T) {
	raw := filePathFixtureBytes()
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	remarshaled := Marshal(p)
	if !bytes.Equal(remarshaled, raw) {
		t.Fatalf("round trip mismatch:\n got  %x\n want %x", remarshaled, raw)
	}
}

func TestCrossCheckAgainstGoEfilib(t *testing.T) {
	raw := filePathFixtureBytes()

	ours, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := efi.ReadDevicePath(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("reference parser failed: %v", err)
	}
	refStr := ref.String()
	if refStr == "" {
		t.Fatal("reference parser produced empty path")
	}

	got, ok := ours.FirstFilePath()
	if !ok {
		t.Fatal("expected a file path")
	}
	// go-efilib renders backslashes verbatim; its rendering is only logged
	// when it differs from these forms, not compared. The checks are that
	// both parsers accept the bytes and that ours decodes the file path.
	want := "\\EFI\\BOOT"
	if refStr != want && refStr != "/"+want {
		t.Logf("reference rendering: %q (informational)", refStr)
	}
	if got != "/EFI/BOOT" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncatedItemLength(t *testing.T) {
	if _, err := Parse([]byte{0x04, 0x04, 0x10, 0x00, 0x01}); err == nil {
		t.Fatal("expected error for truncated item")
	}
}

func TestMissingSentinel(t *testing.T) {
	var buf []byte
	for i := 0; i < MaxItems+1; i++ {
		buf = append(buf, 0x7f, 0x01, 0x04, 0x00)
	}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for path without end-entire sentinel")
	}
}
