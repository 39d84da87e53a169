// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package pcrbank

import (
	"bytes"
	"fmt"

	"github.com/opensuse-go/pcr-oracle/internal/bytestream"
)

// Digest is a fixed-capacity digest value. Comparisons between digests are
// always by (algorithm, raw bytes); callers are expected to compare digests
// only within the same algorithm.
type Digest []byte

// String renders the digest as lowercase hex, the printing convention used
// throughout the predictor.
func (d Digest) String() string {
	return bytestream.FormatOctets(d)
}

// Equal reports whether two digests hold the same bytes.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d, other)
}

// ErrBadDigestSize is returned when a digest's length doesn't match its
// claimed algorithm's size.
var ErrBadDigestSize = fmt.Errorf("pcrbank: digest size mismatch")

// CheckSize validates that d has the size a's descriptor requires.
func (a Algorithm) CheckSize(d Digest) error {
	if len(d) != a.DigestSize {
		return fmt.Errorf("%w: algorithm %s wants %d bytes, got %d", ErrBadDigestSize, a.Name, a.DigestSize, len(d))
	}
	return nil
}

// Extend computes H(prev || d) for the given algorithm -- the single TPM
// extend rule used throughout the predictor: folding event digests into PCR
// slots (C2), folding command parameters into a policy digest (C7).
func (a Algorithm) Extend(prev, d Digest) Digest {
	h := a.New()
	h.Write(prev)
	h.Write(d)
	return h.Sum(nil)
}

// Hash computes H(data...) for the given algorithm, concatenating each
// argument in order before hashing -- used for the non-extend digest
// computations in C4 and C7 (e.g. the PolicyPCR concatenation digest).
func (a Algorithm) Hash(data ...[]byte) Digest {
	h := a.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
