// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package efivarstore

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
)

type memFS map[string][]byte

func (m memFS) ReadFile(path string) ([]byte, error) {
	b, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return b, nil
}

func TestReadSysfsSkipsAttributeHeader(t *testing.T) {
	guid := uuid.New()
	fs := memFS{
		fmt.Sprintf("/sys/firmware/efi/efivars/%s-%s", "PK", guid): {0x06, 0x00, 0x00, 0x00, 'h', 'i'},
	}
	got, err := ReadSysfs(fs, "/sys/firmware/efi/efivars", "PK", guid)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
}

func TestOverlaySetLookup(t *testing.T) {
	o := Overlay{}
	guid := uuid.New()
	o.Set(guid, "db", []byte("new db contents"))

	got, ok := o.Lookup(guid, "db")
	if !ok || string(got) != "new db contents" {
		t.Fatalf("got %q, %v", got, ok)
	}

	if _, ok := o.Lookup(guid, "dbx"); ok {
		t.Fatal("expected no replacement registered for dbx")
	}
}

func TestDigestIsDeterministicAndSensitiveToData(t *testing.T) {
	alg, err := pcrbank.ByName("sha256")
	if err != nil {
		t.Fatal(err)
	}
	guid := uuid.New()

	d1, err := Digest(alg, guid, "PK", []byte("value one"))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest(alg, guid, "PK", []byte("value one"))
	if err != nil {
		t.Fatal(err)
	}
	if !d1.Equal(d2) {
		t.Fatal("expected identical inputs to produce identical digests")
	}

	d3, err := Digest(alg, guid, "PK", []byte("value two"))
	if err != nil {
		t.Fatal(err)
	}
	if d1.Equal(d3) {
		t.Fatal("expected different variable data to produce different digests")
	}

	if err := alg.CheckSize(pcrbank.Digest(d1)); err != nil {
		t.Fatalf("digest has wrong size for sha256: %v", err)
	}
}

// TestDigestSecureBootPinningFixture pins the SHA-256 EV_EFI_VARIABLE_*
// digest for a "SecureBoot" = 0x01 measurement against a precomputed value.
func TestDigestSecureBootPinningFixture(t *testing.T) {
	alg, err := pcrbank.ByName("sha256")
	if err != nil {
		t.Fatal(err)
	}
	guid := uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")

	got, err := Digest(alg, guid, "SecureBoot", []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}

	const want = "ccfc4bb32888a345bc8aeadaba552b627d99348c767681ab3141f5b01e40a40e"
	if fmt.Sprintf("%x", []byte(got)) != want {
		t.Fatalf("got %x, want %s", []byte(got), want)
	}
}
