// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package rootfs implements the "future root" the BSA/BSD scanners resolve
// replacement images against: the on-disk (or staged) state of the EFI
// System Partition the system will boot from after the change being
// predicted, addressed the same way a device path resolves a file -- by
// partition UUID and an EFI-style file path. Grounded on nullboot's FS
// abstraction (efibootmgr.FS), generalized from "the real filesystem" to
// "a filesystem keyed by which ESP it is", since a prediction may need to
// reason about a partition table that hasn't been written yet.
package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FS abstracts the filesystem one ESP's files are read from.
type FS interface {
	Open(path string) (io.ReadCloser, error)
}

type realFS struct{}

func (realFS) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

// DefaultFS reads from the real filesystem.
var DefaultFS FS = realFS{}

// Root is a future-root: a mount point on disk, optionally scoped to a
// specific partition UUID. A Root with a zero partitionUUID accepts any
// partition a device path names, matching the common case of a single ESP.
type Root struct {
	fsys          FS
	mountPoint    string
	partitionUUID uuid.UUID
}

// New returns a Root that serves files under mountPoint using the real
// filesystem, for the given partition (or any partition, if partitionUUID
// is the zero value).
func New(mountPoint string, partitionUUID uuid.UUID) *Root {
	return &Root{fsys: DefaultFS, mountPoint: mountPoint, partitionUUID: partitionUUID}
}

// NewWithFS is New with an injectable FS, for tests.
func NewWithFS(fsys FS, mountPoint string, partitionUUID uuid.UUID) *Root {
	return &Root{fsys: fsys, mountPoint: mountPoint, partitionUUID: partitionUUID}
}

// ErrWrongPartition is returned when a device path names a partition this
// Root is scoped to a different one of.
var ErrWrongPartition = fmt.Errorf("rootfs: device path refers to a different partition")

// ReadImage implements scanner.FutureRoot: it resolves efiPath (forward
// slash separated, as decoded from a device path's MEDIA/FILE_PATH node)
// against the root's mount point and returns its contents.
func (r *Root) ReadImage(partitionUUID uuid.UUID, efiPath string) ([]byte, error) {
	var zero uuid.UUID
	if r.partitionUUID != zero && partitionUUID != zero && partitionUUID != r.partitionUUID {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrWrongPartition, partitionUUID, r.partitionUUID)
	}

	relative := strings.TrimPrefix(efiPath, "/")
	path := filepath.Join(r.mountPoint, filepath.FromSlash(relative))

	f, err := r.fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rootfs: cannot open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("rootfs: cannot read %s: %w", path, err)
	}
	return data, nil
}
