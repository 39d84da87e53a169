// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package rootfs

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type memFS map[string]string

func (m memFS) Open(path string) (io.ReadCloser, error) {
	content, ok := m[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func TestReadImageResolvesPathUnderMountPoint(t *testing.T) {
	fsys := memFS{"/esp/EFI/BOOT/BOOTX64.EFI": "fake pe image"}
	root := NewWithFS(fsys, "/esp", uuid.UUID{})

	data, err := root.ReadImage(uuid.UUID{}, "/EFI/BOOT/BOOTX64.EFI")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fake pe image" {
		t.Fatalf("got %q", data)
	}
}

func TestReadImageRejectsMismatchedPartition(t *testing.T) {
	want := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	other := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	fsys := memFS{"/esp/EFI/BOOT/BOOTX64.EFI": "data"}
	root := NewWithFS(fsys, "/esp", want)

	_, err := root.ReadImage(other, "/EFI/BOOT/BOOTX64.EFI")
	if !errors.Is(err, ErrWrongPartition) {
		t.Fatalf("expected ErrWrongPartition, got %v", err)
	}
}

func TestReadImageAcceptsAnyPartitionWhenRootUnscoped(t *testing.T) {
	fsys := memFS{"/esp/grubx64.efi": "grub"}
	root := NewWithFS(fsys, "/esp", uuid.UUID{})

	data, err := root.ReadImage(uuid.MustParse("33333333-3333-3333-3333-333333333333"), "/grubx64.efi")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "grub" {
		t.Fatalf("got %q", data)
	}
}

func TestReadImageMissingFileReturnsError(t *testing.T) {
	root := NewWithFS(memFS{}, "/esp", uuid.UUID{})
	if _, err := root.ReadImage(uuid.UUID{}, "/missing.efi"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
