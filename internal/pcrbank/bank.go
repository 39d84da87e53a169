// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package pcrbank

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// NumPCRs is the fixed number of PCR registers modeled by a Bank.
const NumPCRs = 24

// Bank is a tuple (algorithm, interest-mask, valid-mask, 24 digest slots).
// interest[i] records whether the caller cares about register i; valid[i]
// records whether slot i has been initialized. Every valid slot's digest has
// length Algorithm.DigestSize.
type Bank struct {
	Algorithm Algorithm
	interest  [NumPCRs]bool
	valid     [NumPCRs]bool
	slots     [NumPCRs]Digest
}

// NewBank returns a zero-valued bank for the given algorithm with the given
// PCR mask marked as "of interest". mask bit i (1<<i) selects register i.
func NewBank(alg Algorithm, mask uint32) *Bank {
	b := &Bank{Algorithm: alg}
	for i := 0; i < NumPCRs; i++ {
		if mask&(1<<uint(i)) != 0 {
			b.interest[i] = true
		}
	}
	return b
}

// Interested reports whether register i is part of this bank's mask.
func (b *Bank) Interested(i int) bool {
	if i < 0 || i >= NumPCRs {
		return false
	}
	return b.interest[i]
}

// Valid reports whether register i has been initialized.
func (b *Bank) Valid(i int) bool {
	if i < 0 || i >= NumPCRs {
		return false
	}
	return b.valid[i]
}

// Get returns the current value of register i. The returned digest is the
// zero digest if the register is of interest but has not yet been
// extended.
func (b *Bank) Get(i int) (Digest, error) {
	if i < 0 || i >= NumPCRs {
		return nil, fmt.Errorf("pcrbank: PCR index %d out of range", i)
	}
	if !b.valid[i] {
		return b.Algorithm.ZeroDigest(), nil
	}
	return b.slots[i], nil
}

// ErrNotOfInterest is returned by Extend and SetLocality when asked to
// update a register outside the bank's interest mask.
var ErrNotOfInterest = fmt.Errorf("pcrbank: PCR not in interest mask")

// Extend folds d into register i: slot[i] = H(slot[i] || d). If the slot was
// not previously valid it is treated as all-zero first. Fails if i is
// outside the bank's interest mask, or d has the wrong size.
func (b *Bank) Extend(i int, d Digest) error {
	if !b.Interested(i) {
		return fmt.Errorf("%w: PCR %d", ErrNotOfInterest, i)
	}
	if err := b.Algorithm.CheckSize(d); err != nil {
		return err
	}

	prev := b.Algorithm.ZeroDigest()
	if b.valid[i] {
		prev = b.slots[i]
	}

	b.slots[i] = b.Algorithm.Extend(prev, d)
	b.valid[i] = true
	return nil
}

// SetLocality writes a fresh value to register i whose bytes are all zero
// except the last, which equals loc. This models the firmware's locality
// transition, performed on PCR 0 before any event is measured.
func (b *Bank) SetLocality(i int, loc uint8) error {
	if !b.Interested(i) {
		return fmt.Errorf("%w: PCR %d", ErrNotOfInterest, i)
	}
	d := b.Algorithm.ZeroDigest()
	d[len(d)-1] = loc
	b.slots[i] = d
	b.valid[i] = true
	return nil
}

// Snapshot writes the bank out in the kernel "PCR snapshot" text format:
// one "%02d %s %s\n" line per valid, interesting register.
func (b *Bank) Snapshot(w io.Writer) error {
	for i := 0; i < NumPCRs; i++ {
		if !b.interest[i] || !b.valid[i] {
			continue
		}
		if _, err := fmt.Fprintf(w, "%02d %s %s\n", i, b.Algorithm.Name, b.slots[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot initializes bank registers from a kernel PCR snapshot file
// ("idx algo hex" per line), skipping lines for algorithms other than this
// bank's.
func (b *Bank) LoadSnapshot(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("pcrbank: malformed snapshot line %q", line)
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("pcrbank: malformed PCR index %q: %w", fields[0], err)
		}
		if fields[1] != b.Algorithm.Name {
			continue
		}
		d, err := decodeHex(fields[2])
		if err != nil {
			return fmt.Errorf("pcrbank: malformed digest %q: %w", fields[2], err)
		}
		if err := b.Algorithm.CheckSize(d); err != nil {
			return err
		}
		if idx < 0 || idx >= NumPCRs {
			return fmt.Errorf("pcrbank: PCR index %d out of range", idx)
		}
		b.slots[idx] = d
		b.valid[idx] = true
	}
	return scanner.Err()
}

// LoadSnapshotFile is a convenience wrapper around LoadSnapshot for a path
// on disk.
func LoadSnapshotFile(path string, alg Algorithm, mask uint32) (*Bank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pcrbank: cannot open snapshot %s: %w", path, err)
	}
	defer f.Close()

	b := NewBank(alg, mask)
	if err := b.LoadSnapshot(f); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeHex(s string) (Digest, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make(Digest, len(s)/2)
	for i := range out {
		hi, err := hexVal(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexVal(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
