// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package efivarstore models the UEFI variable store the EV_EFI_VARIABLE_*
// scanners consult: a keyed overlay of (GUID, name) -> replacement value,
// plus the digest formula TCG specifies for a variable measurement. Reading
// the live store is done directly against /sys/firmware/efi/efivars, the
// same sysfs layout nullboot's efibootmgr package reads boot variables
// from, rather than through a cgo libefivar binding.
package efivarstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opensuse-go/pcr-oracle/internal/bytestream"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
)

// Key identifies a UEFI variable by vendor GUID and name.
type Key struct {
	GUID uuid.UUID
	Name string
}

// Overlay is the set of variable replacements a prediction run has been
// told about -- typically the post-enrollment contents of PK, KEK, db, dbx,
// or MokListRT, registered by the caller with Set. The pcr-oracle CLI
// registers none.
type Overlay map[Key][]byte

// Lookup returns the replacement value registered for (guid, name), if any.
func (o Overlay) Lookup(guid uuid.UUID, name string) ([]byte, bool) {
	v, ok := o[Key{GUID: guid, Name: name}]
	return v, ok
}

// Set registers a replacement value for (guid, name).
func (o Overlay) Set(guid uuid.UUID, name string, data []byte) {
	o[Key{GUID: guid, Name: name}] = data
}

// FS abstracts the filesystem variable values are read from, so tests can
// substitute an in-memory double for /sys/firmware/efi/efivars.
type FS interface {
	ReadFile(path string) ([]byte, error)
}

type realFS struct{}

func (realFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// DefaultFS reads from the real filesystem.
var DefaultFS FS = realFS{}

// ReadSysfs reads the current value of a UEFI variable from
// /sys/firmware/efi/efivars/<name>-<guid>, skipping the 4-byte attribute
// header the kernel prepends: the first 4 bytes of every efivarfs entry are
// variable attributes, not variable content, and must be skipped.
func ReadSysfs(fsys FS, dir, name string, guid uuid.UUID) ([]byte, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s-%s", name, guid))
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("efivarstore: cannot read %s: %w", path, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("efivarstore: %s shorter than the attribute header", path)
	}
	return raw[4:], nil
}

// toWireGUID converts a uuid.UUID (big-endian byte order) back to an
// EFI_GUID's mixed-endian wire encoding: the inverse of efidevpath's
// reorderGUIDBytes.
func toWireGUID(id uuid.UUID) []byte {
	b := id[:]
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

// Digest computes the TCG EV_EFI_VARIABLE_* measurement digest:
// H(VendorGuid || u64(name_utf16_len) || u64(data_len) || name_utf16 || data),
// where name_utf16_len counts UTF-16 code units (not bytes) and all
// integers are little-endian, matching the wire layout of the event body
// itself.
func Digest(alg pcrbank.Algorithm, guid uuid.UUID, name string, data []byte) (pcrbank.Digest, error) {
	w := bytestream.NewWriter()
	w.Put(toWireGUID(guid))

	nameWriter := bytestream.NewWriter()
	if err := nameWriter.PutUTF16LE(name); err != nil {
		return nil, fmt.Errorf("efivarstore: cannot encode variable name %q: %w", name, err)
	}
	nameUTF16 := nameWriter.Bytes()
	nameCodeUnits := len(nameUTF16) / 2

	w.PutU64LE(uint64(nameCodeUnits))
	w.PutU64LE(uint64(len(data)))
	w.Put(nameUTF16)
	w.Put(data)

	return alg.Hash(w.Bytes()), nil
}
