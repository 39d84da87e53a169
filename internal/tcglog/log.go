// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package tcglog

import (
	"fmt"
	"io"

	"github.com/canonical/go-tpm2"
	"github.com/opensuse-go/pcr-oracle/internal/bytestream"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
)

// specIDSignature is the NUL-terminated ASCII signature that opens a
// crypto-agile (TCG2) spec-id event, per TCG PC Client Platform Firmware
// Profile §9.2.
const specIDSignature = "Spec ID Event03\x00"

// ErrMalformedLog is returned for any structural defect in the event log:
// truncation, an event digest whose algorithm the header did not declare, a
// header declaring no recognized algorithm, or a recognized algorithm whose
// declared digest size is wrong. Unrecognized algorithm ids in the header
// are skipped, not rejected.
var ErrMalformedLog = fmt.Errorf("tcglog: malformed event log")

// Event is one record of the event log: the PCR it was measured into, its
// type tag, one digest per algorithm declared by the log header, and its
// raw, not-yet-decoded body.
type Event struct {
	Index     int
	PCRIndex  int
	EventType EventType
	Digests   map[tpm2.HashAlgorithmId]pcrbank.Digest
	Data      []byte
}

// Digest returns this event's digest for the given algorithm, or nil if the
// event log does not carry a digest for it (which only happens if the
// caller asks for an algorithm outside the set the header declared).
func (e *Event) Digest(alg pcrbank.Algorithm) pcrbank.Digest {
	return e.Digests[alg.TPMAlgID]
}

// Log is the parsed, finite, non-restartable stream of events from one
// crypto-agile binary event log. Algorithms lists the hash algorithms the
// spec-id header declared as present; every non-header event carries
// exactly one digest per algorithm in this list.
type Log struct {
	Algorithms []pcrbank.Algorithm
	r          *bytestream.Reader
	nextIndex  int
	sizes      map[tpm2.HashAlgorithmId]int
}

// Parse reads the spec-id header from raw and returns a Log positioned to
// yield the remaining events via Next. raw is borrowed; Parse does not copy
// it, and the returned Log's events alias it.
func Parse(raw []byte) (*Log, error) {
	r := bytestream.NewReader(raw)

	headerPCR, err := r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	headerType, err := r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	// The header event is always recorded with a single SHA-1 digest, even
	// in a crypto-agile log -- it predates the crypto-agile format.
	headerDigest, err := r.Get(20)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	headerSize, err := r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	headerBody, err := r.Get(int(headerSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	if EventType(headerType) != EventTypeNoAction {
		return nil, fmt.Errorf("%w: first record is not a spec-id event", ErrMalformedLog)
	}
	if headerPCR != 0 {
		return nil, fmt.Errorf("%w: spec-id event must be on PCR 0", ErrMalformedLog)
	}
	for _, b := range headerDigest {
		if b != 0 {
			return nil, fmt.Errorf("%w: spec-id event digest must be zero", ErrMalformedLog)
		}
	}

	algs, sizes, err := parseSpecID(headerBody)
	if err != nil {
		return nil, err
	}

	return &Log{Algorithms: algs, r: r, sizes: sizes}, nil
}

func parseSpecID(body []byte) ([]pcrbank.Algorithm, map[tpm2.HashAlgorithmId]int, error) {
	if len(body) < 29 {
		return nil, nil, fmt.Errorf("%w: spec-id body too short", ErrMalformedLog)
	}
	if string(body[:16]) != specIDSignature {
		return nil, nil, fmt.Errorf("%w: not a crypto-agile log (bad spec-id signature)", ErrMalformedLog)
	}

	r := bytestream.NewReader(body[24:])
	numAlgs, err := r.GetU32LE()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	sizes := make(map[tpm2.HashAlgorithmId]int, numAlgs)
	var algs []pcrbank.Algorithm
	for i := uint32(0); i < numAlgs; i++ {
		id, err := r.GetU16LE()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		size, err := r.GetU16LE()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}

		algID := tpm2.HashAlgorithmId(id)
		sizes[algID] = int(size)

		alg, err := pcrbank.ByTPMAlgID(algID)
		if err != nil {
			// Algorithms the TPM doesn't recognize can still legally appear
			// in a log (e.g. a vendor extension); we simply don't replay
			// them. Recognized algorithms must have the declared size.
			continue
		}
		if alg.DigestSize != int(size) {
			return nil, nil, fmt.Errorf("%w: algorithm %s declares digest size %d, expected %d", ErrMalformedLog, alg.Name, size, alg.DigestSize)
		}
		algs = append(algs, alg)
	}

	if len(algs) == 0 {
		return nil, nil, fmt.Errorf("%w: spec-id header declares no recognized algorithms", ErrMalformedLog)
	}
	return algs, sizes, nil
}

// Next returns the next event in the log, or io.EOF once the log is
// exhausted. A log is not restartable; callers who need to rewind must
// re-Parse the original bytes.
func (l *Log) Next() (*Event, error) {
	if l.r.EOF() {
		return nil, io.EOF
	}

	pcr, err := l.r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	typ, err := l.r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	count, err := l.r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	digests := make(map[tpm2.HashAlgorithmId]pcrbank.Digest, count)
	for i := uint32(0); i < count; i++ {
		algID16, err := l.r.GetU16LE()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		algID := tpm2.HashAlgorithmId(algID16)
		size, known := l.sizes[algID]
		if !known {
			return nil, fmt.Errorf("%w: event uses algorithm %#04x not declared by header", ErrMalformedLog, algID16)
		}
		d, err := l.r.Get(size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		digests[algID] = pcrbank.Digest(d)
	}

	eventSize, err := l.r.GetU32LE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	data, err := l.r.Get(int(eventSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	e := &Event{
		Index:     l.nextIndex,
		PCRIndex:  int(pcr),
		EventType: EventType(typ),
		Digests:   digests,
		Data:      data,
	}
	l.nextIndex++
	return e, nil
}

// All drains the remaining events into a slice. Convenience wrapper around
// Next for callers (tests, the CLI) that don't need streaming behavior.
func (l *Log) All() ([]*Event, error) {
	var events []*Event
	for {
		e, err := l.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
}
