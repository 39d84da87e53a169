// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package scanner implements the per-event-type prediction logic (TCG PC
// Client Platform Firmware Profile event bodies in, a replacement digest or
// "use the original" verdict out). This is the heart of the predictor: C3
// hands it one decoded event at a time, C5 and the future-root filesystem
// supply the artifacts a scanner needs to recompute what the firmware would
// measure after a system change, and the result feeds straight into C2's
// extend operation.
package scanner

import (
	"bytes"
	"fmt"

	efi "github.com/canonical/go-efilib"
	tcglogref "github.com/canonical/tcglog-parser"
	"github.com/google/uuid"
	"github.com/opensuse-go/pcr-oracle/internal/bytestream"
	"github.com/opensuse-go/pcr-oracle/internal/efidevpath"
	"github.com/opensuse-go/pcr-oracle/internal/efivarstore"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
	"github.com/opensuse-go/pcr-oracle/internal/tcglog"
)

// OutcomeKind tags what the predictor should do with an event once a
// scanner has examined it.
type OutcomeKind int

const (
	// UseOriginalDigest extends with the digest the log already carries
	// for the event: nothing about this measurement changes.
	UseOriginalDigest OutcomeKind = iota
	// Replace extends with a digest recomputed for the new system state.
	Replace
	// Skip omits the event from prediction entirely -- reserved for
	// event kinds a future scanner catalogue entry may need to drop
	// (e.g. an event type retired between firmware revisions); no
	// scanner in this catalogue currently produces it.
	Skip
)

// Outcome is a scanner's verdict for one event.
type Outcome struct {
	Kind    OutcomeKind
	Digests map[pcrbank.Algorithm]pcrbank.Digest // populated only when Kind == Replace
}

func useOriginal() Outcome { return Outcome{Kind: UseOriginalDigest} }

// PredictionError reports that a scanner could not resolve a replacement
// for an event. Per the failure model, the predictor must abort the whole
// run on this error rather than silently fall back to the original digest.
type PredictionError struct {
	EventIndex int
	Reason     string
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("scanner: prediction failed at event %d: %s", e.EventIndex, e.Reason)
}

// FutureRoot resolves the filesystem contents a scanner should measure for
// the system's future (post-change) state: the replacement PE image for an
// EFI file path, keyed by the partition it lives on.
type FutureRoot interface {
	// ReadImage returns the bytes of the file at efiPath (forward-slash
	// separated, as decoded from the device path) on the partition
	// identified by partitionUUID. A zero partitionUUID means the
	// caller doesn't know or care which partition -- FutureRoot
	// implementations backed by a single ESP may ignore it.
	ReadImage(partitionUUID uuid.UUID, efiPath string) ([]byte, error)
}

// Context carries everything a scanner needs beyond the event itself: the
// variable overlay the EFI_VARIABLE scanners consult, the future root the
// BSA/BSD scanners resolve images against, and the resolved boot entry
// strings the IPL scanner diffs against.
type Context struct {
	Variables efivarstore.Overlay
	Root      FutureRoot

	// CurrentCommandLine and CurrentLoaderEntryID are the strings
	// presently measured by sd-boot into PCR 8/12 -- what the scanner
	// looks for in an IPL event's payload to recognize it.
	CurrentCommandLine  string
	CurrentLoaderEntryID string

	// NewCommandLine and NewLoaderEntryID are what the resolved future
	// boot entry will cause sd-boot to measure instead.
	NewCommandLine  string
	NewLoaderEntryID string

	// GPTOverride, when non-nil, is the full new GPT header+partition-
	// array bytes to measure in place of the logged EV_EFI_GPT_EVENT
	// body, used when the predicted change alters the partition table.
	GPTOverride []byte
}

// Scan dispatches an event to its scanner and returns the resulting
// Outcome. algs is the set of algorithms a Replace outcome must produce a
// digest for -- exactly the target bank's algorithm list.
func Scan(event *tcglog.Event, ctx *Context, algs []pcrbank.Algorithm) (Outcome, error) {
	switch event.EventType {
	case tcglog.EventTypePostCode, tcglog.EventTypeSCRTMVersion, tcglog.EventTypeNoAction,
		tcglog.EventTypeSeparator, tcglog.EventTypeAction, tcglog.EventTypeEFIAction,
		tcglog.EventTypeCompactHash, tcglog.EventTypeEFIPlatformFirmwareBlob,
		tcglog.EventTypeEFIHandoffTables:
		return useOriginal(), nil

	case tcglog.EventTypeEFIVariableDriverConfig, tcglog.EventTypeEFIVariableBoot,
		tcglog.EventTypeEFIVariableBoot2, tcglog.EventTypeEFIVariableAuthority:
		return scanVariable(event, ctx, algs)

	case tcglog.EventTypeEFIBootServicesApplication, tcglog.EventTypeEFIBootServicesDriver:
		return scanBootServicesImage(event, ctx, algs)

	case tcglog.EventTypeIPL:
		return scanIPL(event, ctx, algs)

	case tcglog.EventTypeEFIGPTEvent, tcglog.EventTypeEFIGPTEvent2:
		return scanGPT(ctx, algs)

	default:
		// Any EV_* type this catalogue doesn't special-case (vendor
		// extensions, EV_NONHOST_*, EV_OMIT_BOOT_DEVICE_EVENTS, ...)
		// is left untouched: it doesn't depend on the part of system
		// state the predictor models.
		return useOriginal(), nil
	}
}

// replaceWith builds a Replace outcome, hashing plaintext with H(data) for
// every requested algorithm -- the digest rule every non-extend scanner in
// this catalogue uses.
func replaceWith(algs []pcrbank.Algorithm, data []byte) Outcome {
	digests := make(map[pcrbank.Algorithm]pcrbank.Digest, len(algs))
	for _, alg := range algs {
		digests[alg] = alg.Hash(data)
	}
	return Outcome{Kind: Replace, Digests: digests}
}

func scanVariable(event *tcglog.Event, ctx *Context, algs []pcrbank.Algorithm) (Outcome, error) {
	r := bytestream.NewReader(event.Data)

	guidBytes, err := r.Get(16)
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("truncated variable event: %v", err)}
	}
	nameLen, err := r.GetU64LE()
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("truncated variable event: %v", err)}
	}
	dataLen, err := r.GetU64LE()
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("truncated variable event: %v", err)}
	}
	name, err := r.GetUTF16LE(int(nameLen))
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("truncated variable name: %v", err)}
	}
	if _, err := r.Get(int(dataLen)); err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("truncated variable data: %v", err)}
	}

	guid, err := uuid.FromBytes(reorderGUIDBytes(guidBytes))
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("malformed variable GUID: %v", err)}
	}

	replacement, ok := ctx.Variables.Lookup(guid, name)
	if !ok {
		return useOriginal(), nil
	}

	digests := make(map[pcrbank.Algorithm]pcrbank.Digest, len(algs))
	for _, alg := range algs {
		d, err := efivarstore.Digest(alg, guid, name, replacement)
		if err != nil {
			return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: err.Error()}
		}
		digests[alg] = d
	}
	return Outcome{Kind: Replace, Digests: digests}, nil
}

// reorderGUIDBytes converts an EFI_GUID's mixed-endian wire encoding into
// the big-endian byte order uuid.FromBytes expects; kept local to avoid an
// import cycle with efidevpath, which has its own unexported copy.
func reorderGUIDBytes(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func scanBootServicesImage(event *tcglog.Event, ctx *Context, algs []pcrbank.Algorithm) (Outcome, error) {
	r := bytestream.NewReader(event.Data)
	if _, err := r.GetU64LE(); err != nil { // image_base
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: "truncated image event: image_base"}
	}
	if _, err := r.GetU64LE(); err != nil { // image_length
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: "truncated image event: image_length"}
	}
	if _, err := r.GetU64LE(); err != nil { // link_address (PE32+ only field per the profile; present for all images logged this way)
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: "truncated image event: link_address"}
	}
	devPathLen, err := r.GetU64LE()
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: "truncated image event: device_path_length"}
	}
	devPathBytes, err := r.Get(int(devPathLen))
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: "truncated image event: device_path"}
	}

	path, err := efidevpath.Parse(devPathBytes)
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("cannot decode device path: %v", err)}
	}
	efiPath, ok := path.FirstFilePath()
	if !ok {
		// No MEDIA/FILE_PATH node (e.g. a PCI option ROM) -- this image
		// isn't one the predictor knows how to re-resolve from the
		// future root, so its measurement is left untouched.
		return useOriginal(), nil
	}
	partitionUUID, _ := path.FirstPartitionUUID() // zero UUID is an acceptable "don't know" for a single-ESP FutureRoot

	if ctx.Root == nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: "no future root configured to resolve " + efiPath}
	}
	image, err := ctx.Root.ReadImage(partitionUUID, efiPath)
	if err != nil {
		return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("cannot resolve future image %s: %v", efiPath, err)}
	}

	imageReader := bytes.NewReader(image)
	digests := make(map[pcrbank.Algorithm]pcrbank.Digest, len(algs))
	for _, alg := range algs {
		d, err := efi.ComputePeImageDigest(alg.CryptoHash(), imageReader, int64(len(image)))
		if err != nil {
			return Outcome{}, &PredictionError{EventIndex: event.Index, Reason: fmt.Sprintf("cannot hash %s: %v", efiPath, err)}
		}
		digests[alg] = pcrbank.Digest(d)
	}
	return Outcome{Kind: Replace, Digests: digests}, nil
}

func scanIPL(event *tcglog.Event, ctx *Context, algs []pcrbank.Algorithm) (Outcome, error) {
	text, isUTF16 := decodeIPLText(event.Data)

	switch {
	case isUTF16 && ctx.CurrentCommandLine != "" && text == ctx.CurrentCommandLine:
		digests := make(map[pcrbank.Algorithm]pcrbank.Digest, len(algs))
		for _, alg := range algs {
			digests[alg] = pcrbank.Digest(tcglogref.ComputeSystemdEFIStubCommandlineDigest(alg.CryptoHash(), ctx.NewCommandLine))
		}
		return Outcome{Kind: Replace, Digests: digests}, nil
	case isUTF16 && ctx.CurrentLoaderEntryID != "" && text == ctx.CurrentLoaderEntryID:
		return replaceWith(algs, encodeSDStubString(ctx.NewLoaderEntryID)), nil
	default:
		// Version banners and any other IPL text the predictor doesn't
		// model (e.g. "systemd-boot 254.5 ...") are independent of the
		// change being predicted.
		return useOriginal(), nil
	}
}

// decodeIPLText recovers the original string from an IPL event body. The
// systemd EFI stub measures the kernel command line (and the loader entry
// id string sd-boot passes it) as UTF-16LE with a single trailing zero
// byte, the shape canonical/tcglog-parser's own decoder
// (decodeEventDataSystemdEFIStub) requires: odd total length, last byte
// zero. Anything else (version banners, other vendor IPL text) is left as
// plain ASCII/UTF-8 with trailing NULs trimmed -- isUTF16 tells the caller
// which decoding applied, since only a UTF-16 payload is eligible to match
// the command line or loader entry id.
func decodeIPLText(data []byte) (text string, isUTF16 bool) {
	if len(data)%2 == 1 && len(data) > 0 && data[len(data)-1] == 0 {
		s, err := bytestream.NewReader(data[:len(data)-1]).GetUTF16LE(len(data) / 2)
		if err == nil {
			return s, true
		}
	}

	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}
	return string(data[:end]), false
}

// encodeSDStubString renders s the way the systemd EFI stub measures a
// UTF-16 string it reads from LoadOptions: UTF-16LE content followed by a
// single trailing zero byte (canonical/tcglog-parser's
// SystemdEFIStubCommandline.Write does the same for the command line).
func encodeSDStubString(s string) []byte {
	w := bytestream.NewWriter()
	// PutUTF16LE cannot fail on a writer backed by a growable buffer.
	_ = w.PutUTF16LE(s)
	return append(w.Bytes(), 0)
}

func scanGPT(ctx *Context, algs []pcrbank.Algorithm) (Outcome, error) {
	if ctx.GPTOverride == nil {
		return useOriginal(), nil
	}
	return replaceWith(algs, ctx.GPTOverride), nil
}
