// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package scanner

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/opensuse-go/pcr-oracle/internal/bytestream"
	"github.com/opensuse-go/pcr-oracle/internal/efivarstore"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
	"github.com/opensuse-go/pcr-oracle/internal/tcglog"
)

func mustAlgs(t *testing.T, names ...string) []pcrbank.Algorithm {
	t.Helper()
	var out []pcrbank.Algorithm
	for _, n := range names {
		a, err := pcrbank.ByName(n)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, a)
	}
	return out
}

func buildVariableEventBody(t *testing.T, guid uuid.UUID, name string, data []byte) []byte {
	t.Helper()
	w := bytestream.NewWriter()
	// EFI_GUID wire order: reuse efivarstore's inverse by round-tripping
	// through the same digest helper's internal reordering via a public
	// path -- construct directly here, mirroring event encoding.
	b := guid[:]
	w.Put([]byte{b[3], b[2], b[1], b[0], b[5], b[4], b[7], b[6]})
	w.Put(b[8:16])

	nameWriter := bytestream.NewWriter()
	if err := nameWriter.PutUTF16LE(name); err != nil {
		t.Fatal(err)
	}
	nameUTF16 := nameWriter.Bytes()

	w.PutU64LE(uint64(len(nameUTF16) / 2))
	w.PutU64LE(uint64(len(data)))
	w.Put(nameUTF16)
	w.Put(data)
	return w.Bytes()
}

func TestScanVariableVerbatimWhenNoOverlay(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	guid := uuid.New()
	body := buildVariableEventBody(t, guid, "PK", []byte("old pk"))

	event := &tcglog.Event{Index: 1, EventType: tcglog.EventTypeEFIVariableAuthority, Data: body}
	ctx := &Context{Variables: efivarstore.Overlay{}}

	out, err := Scan(event, ctx, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != UseOriginalDigest {
		t.Fatalf("expected UseOriginalDigest, got %v", out.Kind)
	}
}

func TestScanVariableReplacesWhenOverlayRegistered(t *testing.T) {
	algs := mustAlgs(t, "sha256", "sha1")
	guid := uuid.New()
	body := buildVariableEventBody(t, guid, "db", []byte("old db"))

	overlay := efivarstore.Overlay{}
	overlay.Set(guid, "db", []byte("new db"))

	event := &tcglog.Event{Index: 2, EventType: tcglog.EventTypeEFIVariableAuthority, Data: body}
	ctx := &Context{Variables: overlay}

	out, err := Scan(event, ctx, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Replace {
		t.Fatalf("expected Replace, got %v", out.Kind)
	}
	want, err := efivarstore.Digest(algs[0], guid, "db", []byte("new db"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Digests[algs[0]].Equal(want) {
		t.Fatalf("digest mismatch: got %x, want %x", out.Digests[algs[0]], want)
	}
	for _, alg := range algs {
		if err := alg.CheckSize(out.Digests[alg]); err != nil {
			t.Fatal(err)
		}
	}
}

type fakeRoot map[string][]byte

func (f fakeRoot) ReadImage(_ uuid.UUID, efiPath string) ([]byte, error) {
	b, ok := f[efiPath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", efiPath)
	}
	return b, nil
}

// buildMinimalPE assembles a no-sections PE32+ image just complete enough
// for go-efilib's ComputePeImageDigest to walk: a 16-entry data directory
// (so the certificate-table entry at index 4 is addressable) and a
// SizeOfHeaders field that actually matches the header region's length, the
// two fields a real linker always fills in but this synthetic fixture would
// otherwise leave zero.
func buildMinimalPE(body byte) []byte {
	var buf bytes.Buffer
	dos := make([]byte, 0x40)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40) // e_lfanew -> PE header at offset 0x40
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	coff := make([]byte, 20)
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	const sizeOfOptionalHeader = 112 + 16*8          // fixed fields + 16 IMAGE_DATA_DIRECTORY entries
	binary.LittleEndian.PutUint16(coff[16:], sizeOfOptionalHeader)
	buf.Write(coff)

	opt := make([]byte, sizeOfOptionalHeader)
	binary.LittleEndian.PutUint16(opt[0:], 0x20b) // PE32+ magic
	const headerSize = 0x40 + 4 + 20 + sizeOfOptionalHeader
	binary.LittleEndian.PutUint32(opt[60:], headerSize) // SizeOfHeaders
	binary.LittleEndian.PutUint32(opt[108:], 16)         // NumberOfRvaAndSizes
	buf.Write(opt)

	buf.Write(bytes.Repeat([]byte{body}, 8))
	return buf.Bytes()
}

func buildImageEventBody(t *testing.T, efiPath string) []byte {
	t.Helper()
	w := bytestream.NewWriter()
	w.PutU64LE(0x100000) // image_base
	w.PutU64LE(0x2000)   // image_length
	w.PutU64LE(0x100000) // link_address
	devPath := bytestream.NewWriter()
	devPath.PutU8(0x04) // MEDIA
	devPath.PutU8(0x04) // FILE_PATH
	nameW := bytestream.NewWriter()
	if err := nameW.PutUTF16LE(efiPath); err != nil {
		t.Fatal(err)
	}
	payload := append(nameW.Bytes(), 0, 0) // NUL terminator code unit
	devPath.PutU16LE(uint16(4 + len(payload)))
	devPath.Put(payload)
	devPath.PutU8(0x7f)
	devPath.PutU8(0xff)
	devPath.PutU16LE(4)

	w.PutU64LE(uint64(len(devPath.Bytes())))
	w.Put(devPath.Bytes())
	return w.Bytes()
}

func TestScanBootServicesImageReplacesDigest(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	image := buildMinimalPE(0xAB)
	body := buildImageEventBody(t, "/EFI/opensuse/shimx64.efi")

	ctx := &Context{Root: fakeRoot{"/EFI/opensuse/shimx64.efi": image}}
	event := &tcglog.Event{Index: 3, EventType: tcglog.EventTypeEFIBootServicesApplication, Data: body}

	out, err := Scan(event, ctx, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Replace {
		t.Fatalf("expected Replace, got %v", out.Kind)
	}
	if len(out.Digests[algs[0]]) != 32 {
		t.Fatalf("expected a 32-byte sha256 digest, got %d bytes", len(out.Digests[algs[0]]))
	}
}

func TestScanBootServicesImageFailsWhenFileMissing(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	body := buildImageEventBody(t, "/EFI/opensuse/shimx64.efi")

	ctx := &Context{Root: fakeRoot{}}
	event := &tcglog.Event{Index: 4, EventType: tcglog.EventTypeEFIBootServicesApplication, Data: body}

	_, err := Scan(event, ctx, algs)
	if err == nil {
		t.Fatal("expected a PredictionError")
	}
	var predErr *PredictionError
	if !asPredictionError(err, &predErr) {
		t.Fatalf("expected *PredictionError, got %T: %v", err, err)
	}
	if predErr.EventIndex != 4 {
		t.Fatalf("got event index %d, want 4", predErr.EventIndex)
	}
}

func asPredictionError(err error, target **PredictionError) bool {
	pe, ok := err.(*PredictionError)
	if ok {
		*target = pe
	}
	return ok
}

// buildSDStubEventData mirrors encodeSDStubString: what the systemd EFI
// stub actually measures for a string it reads from LoadOptions --
// UTF-16LE content plus a single trailing zero byte.
func buildSDStubEventData(t *testing.T, s string) []byte {
	t.Helper()
	w := bytestream.NewWriter()
	if err := w.PutUTF16LE(s); err != nil {
		t.Fatal(err)
	}
	return append(w.Bytes(), 0)
}

func TestScanIPLReplacesCommandLineAndEntryID(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	ctx := &Context{
		CurrentCommandLine:   "root=/dev/sda1 ro",
		NewCommandLine:       "root=/dev/sda2 ro",
		CurrentLoaderEntryID: "6.4.0-150600.1",
		NewLoaderEntryID:     "6.4.0-150600.10",
	}

	cmdlineEvent := &tcglog.Event{Index: 5, EventType: tcglog.EventTypeIPL, Data: buildSDStubEventData(t, "root=/dev/sda1 ro")}
	out, err := Scan(cmdlineEvent, ctx, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Replace {
		t.Fatalf("expected Replace for command line event, got %v", out.Kind)
	}

	idEvent := &tcglog.Event{Index: 6, EventType: tcglog.EventTypeIPL, Data: buildSDStubEventData(t, "6.4.0-150600.1")}
	out, err = Scan(idEvent, ctx, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Replace {
		t.Fatalf("expected Replace for loader entry id event, got %v", out.Kind)
	}

	bannerEvent := &tcglog.Event{Index: 7, EventType: tcglog.EventTypeIPL, Data: []byte("systemd-boot 254.5")}
	out, err = Scan(bannerEvent, ctx, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != UseOriginalDigest {
		t.Fatalf("expected verbatim for unrelated IPL text, got %v", out.Kind)
	}
}

func TestDecodeIPLTextUTF16(t *testing.T) {
	data := buildSDStubEventData(t, "root=/dev/sda1 ro")
	text, isUTF16 := decodeIPLText(data)
	if !isUTF16 {
		t.Fatal("expected UTF-16LE+NUL data to be recognized as such")
	}
	if text != "root=/dev/sda1 ro" {
		t.Fatalf("got %q, want %q", text, "root=/dev/sda1 ro")
	}
}

func TestDecodeIPLTextASCIIFallback(t *testing.T) {
	text, isUTF16 := decodeIPLText([]byte("systemd-boot 254.5"))
	if isUTF16 {
		t.Fatal("expected plain ASCII banner text not to be treated as UTF-16")
	}
	if text != "systemd-boot 254.5" {
		t.Fatalf("got %q, want %q", text, "systemd-boot 254.5")
	}
}

func TestScanGPTVerbatimWithoutOverride(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	event := &tcglog.Event{Index: 8, EventType: tcglog.EventTypeEFIGPTEvent, Data: []byte("gpt bytes")}
	out, err := Scan(event, &Context{}, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != UseOriginalDigest {
		t.Fatalf("expected verbatim, got %v", out.Kind)
	}
}

func TestScanGPTReplacesWithOverride(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	event := &tcglog.Event{Index: 9, EventType: tcglog.EventTypeEFIGPTEvent, Data: []byte("gpt bytes")}
	out, err := Scan(event, &Context{GPTOverride: []byte("new gpt bytes")}, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Replace {
		t.Fatalf("expected Replace, got %v", out.Kind)
	}
}

func TestScanUnknownEventTypeIsVerbatim(t *testing.T) {
	algs := mustAlgs(t, "sha256")
	event := &tcglog.Event{Index: 10, EventType: tcglog.EventType(0xdeadbeef), Data: nil}
	out, err := Scan(event, &Context{}, algs)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != UseOriginalDigest {
		t.Fatalf("expected verbatim for unknown event type, got %v", out.Kind)
	}
}
