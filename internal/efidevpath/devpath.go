// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package efidevpath decodes EFI_DEVICE_PATH byte streams -- the structures
// embedded in EV_EFI_BOOT_SERVICES_APPLICATION/DRIVER event bodies -- into a
// bounded item list, and provides the structured accessors the predictor's
// scanners use to locate the file (and partition) an image load event
// refers to.
package efidevpath

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/opensuse-go/pcr-oracle/internal/bytestream"
)

// MaxItems bounds the number of device-path items the parser will accept,
// guarding against a malformed or hostile path looping forever.
const MaxItems = 16

// Device path node types and subtypes the predictor's accessors understand.
const (
	TypeHardware     = 0x01
	SubtypePCI       = 0x01
	TypeACPI         = 0x02
	SubtypeACPIHID   = 0x01
	TypeMedia        = 0x04
	SubtypeHardDrive = 0x01
	SubtypeFilePath  = 0x04
	TypeEnd          = 0x7f
	SubtypeEndEntire = 0xff
)

// Item is one (type, subtype, data) node of a device path. data excludes the
// 4-byte header (type, subtype, length).
type Item struct {
	Type    uint8
	Subtype uint8
	Data    []byte
}

// Path is a bounded, ordered sequence of device path items, with the
// sentinel end-entire item stripped.
type Path []Item

// ErrMalformedPath covers truncated items, a declared length shorter than
// the 4-byte header, and a path with no sentinel end item within MaxItems.
var ErrMalformedPath = fmt.Errorf("efidevpath: malformed device path")

// Parse decodes buf into a Path. buf is borrowed; each Item's Data aliases
// it.
func Parse(buf []byte) (Path, error) {
	r := bytestream.NewReader(buf)

	var path Path
	for i := 0; i < MaxItems; i++ {
		typ, err := r.GetU8()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPath, err)
		}
		subtype, err := r.GetU8()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPath, err)
		}
		length, err := r.GetU16LE()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPath, err)
		}
		if length < 4 {
			return nil, fmt.Errorf("%w: item length %d shorter than header", ErrMalformedPath, length)
		}
		data, err := r.Get(int(length) - 4)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPath, err)
		}

		if typ == TypeEnd && subtype == SubtypeEndEntire {
			return path, nil
		}

		path = append(path, Item{Type: typ, Subtype: subtype, Data: data})
	}

	return nil, fmt.Errorf("%w: no end-entire item within %d nodes", ErrMalformedPath, MaxItems)
}

// Marshal re-emits a Path to bytes, including the trailing end-entire
// sentinel. For any path produced by Parse, Marshal(p) reproduces the
// original bytes save for the sentinel's own encoding.
func Marshal(p Path) []byte {
	w := bytestream.NewWriter()
	for _, item := range p {
		w.PutU8(item.Type)
		w.PutU8(item.Subtype)
		w.PutU16LE(uint16(len(item.Data) + 4))
		w.Put(item.Data)
	}
	w.PutU8(TypeEnd)
	w.PutU8(SubtypeEndEntire)
	w.PutU16LE(4)
	return w.Bytes()
}

// HarddiskPartitionUUID returns the partition UUID of a MEDIA/HARDDRIVE item
// (type=4, subtype=1): the 16 bytes at offset 20 of its data (signature
// field, only meaningful when the partition signature type at offset 37
// is GPT).
func (it Item) HarddiskPartitionUUID() (uuid.UUID, bool) {
	if it.Type != TypeMedia || it.Subtype != SubtypeHardDrive {
		return uuid.UUID{}, false
	}
	if len(it.Data) < 38 {
		return uuid.UUID{}, false
	}
	sigType := it.Data[37]
	if sigType != 2 { // SIGNATURE_TYPE_GUID
		return uuid.UUID{}, false
	}
	id, err := uuid.FromBytes(reorderGUIDBytes(it.Data[20:36]))
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// reorderGUIDBytes converts an EFI_GUID's mixed-endian wire encoding (first
// three fields little-endian, last two big-endian) into the big-endian byte
// order uuid.FromBytes expects.
func reorderGUIDBytes(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

// FilePath returns the decoded file path of a MEDIA/FILE_PATH item (type=4,
// subtype=4): its UTF-16LE payload with backslashes converted to forward
// slashes.
func (it Item) FilePath() (string, bool) {
	if it.Type != TypeMedia || it.Subtype != SubtypeFilePath {
		return "", false
	}
	r := bytestream.NewReader(it.Data)
	s, err := r.GetUTF16LE(len(it.Data) / 2)
	if err != nil {
		return "", false
	}
	out := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '\\' {
			c = '/'
		}
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out), true
}

// PCI returns the (device, function) coordinates of a HARDWARE/PCI item
// (type=1, subtype=1).
func (it Item) PCI() (device, function uint8, ok bool) {
	if it.Type != TypeHardware || it.Subtype != SubtypePCI {
		return 0, 0, false
	}
	if len(it.Data) < 2 {
		return 0, 0, false
	}
	return it.Data[0], it.Data[1], true
}

// PnPHID returns the compressed EISA-encoded PNP hardware id of an
// ACPI/HID item (type=2, subtype=1), e.g. "PNP0A03".
func (it Item) PnPHID() (string, bool) {
	if it.Type != TypeACPI || it.Subtype != SubtypeACPIHID {
		return "", false
	}
	if len(it.Data) < 4 {
		return "", false
	}
	hid := uint32(it.Data[0]) | uint32(it.Data[1])<<8 | uint32(it.Data[2])<<16 | uint32(it.Data[3])<<24
	compressed := uint16(hid & 0xffff)
	product := hid >> 16

	// EISA ID: 3 compressed 5-bit uppercase letters packed into the low 15
	// bits, MSB reserved zero.
	c1 := byte((compressed>>10)&0x1f) + 'A' - 1
	c2 := byte((compressed>>5)&0x1f) + 'A' - 1
	c3 := byte(compressed&0x1f) + 'A' - 1

	return fmt.Sprintf("%c%c%c%04X", c1, c2, c3, product), true
}

// FirstFilePath walks a path and returns the file path of its first
// MEDIA/FILE_PATH item, used by the BSA/BSD scanners to locate the image
// the event refers to.
func (p Path) FirstFilePath() (string, bool) {
	for _, it := range p {
		if s, ok := it.FilePath(); ok {
			return s, true
		}
	}
	return "", false
}

// FirstPartitionUUID walks a path and returns the UUID of its first
// MEDIA/HARDDRIVE item.
func (p Path) FirstPartitionUUID() (uuid.UUID, bool) {
	for _, it := range p {
		if id, ok := it.HarddiskPartitionUUID(); ok {
			return id, true
		}
	}
	return uuid.UUID{}, false
}
