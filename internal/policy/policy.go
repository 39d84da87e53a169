// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package policy builds the TPM 2.0 policy digests a sealed object commits
// to (C7): TPML_PCR_SELECTION marshaling, the TPM2_PolicyPCR fold, and the
// optional TPM2_PolicyAuthorize fold for rotation-friendly authorized
// policies. Every digest here is computed exactly as the TPM itself would
// compute it while executing the corresponding policy command, so that a
// policy session built against the real TPM, with the real PCR values this
// predicts, produces the identical digest.
//
// TPM wire-format integers are big-endian (the Tss2_MU_* marshaling rules),
// unlike the little-endian event log and device path structures the rest of
// the predictor decodes -- this package keeps its own small encoder rather
// than reuse bytestream.Writer.
package policy

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
)

// Command codes from the TPM 2.0 Library specification, Part 2 ("Structures"),
// Table 9 ("TPM_CC constants"). Only the two this package folds are needed.
const (
	ccPolicyPCR       uint32 = 0x0000017f
	ccPolicyAuthorize uint32 = 0x0000016a
)

// Selection is one bank's worth of PCRs to include in a TPML_PCR_SELECTION:
// the bank's algorithm and the (ascending, deduplicated by caller) register
// indices selected from it.
type Selection struct {
	Algorithm pcrbank.Algorithm
	PCRs      []int
}

func beU16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func beU32(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }

// selectBytes renders a bank's chosen PCR indices as a TPMS_PCR_SELECT
// bitmask: 3 bytes covering registers 0-23, bit i of byte i/8 set when
// register i is selected.
func selectBytes(pcrs []int) []byte {
	out := make([]byte, 3)
	for _, i := range pcrs {
		if i < 0 || i >= pcrbank.NumPCRs {
			continue
		}
		out[i/8] |= 1 << uint(i%8)
	}
	return out
}

// MarshalSelectionList encodes a TPML_PCR_SELECTION: a u32 count followed
// by, per selection, the bank's algorithm id (u16), the select-array size
// (u8), and the select bitmask. Selections are sorted by ascending
// algorithm id first, since that's the canonical order the TPM itself
// returns selections in and the order this package's digest folding
// assumes throughout.
func MarshalSelectionList(sel []Selection) []byte {
	ordered := make([]Selection, len(sel))
	copy(ordered, sel)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Algorithm.TPMAlgID < ordered[j].Algorithm.TPMAlgID
	})

	out := beU32(uint32(len(ordered)))
	for _, s := range ordered {
		sb := selectBytes(s.PCRs)
		out = append(out, beU16(uint16(s.Algorithm.TPMAlgID))...)
		out = append(out, byte(len(sb)))
		out = append(out, sb...)
	}
	return out
}

// ErrNoBank is returned when a selection names an algorithm the caller
// didn't supply a bank for.
var ErrNoBank = fmt.Errorf("policy: no bank supplied for selected algorithm")

// PCRDigest computes the TPM2_PolicyPCR concatenation digest: the selected
// registers' current values, concatenated in canonical order (algorithm id
// ascending, then register index ascending), hashed with policyAlg.
func PCRDigest(policyAlg pcrbank.Algorithm, banks map[pcrbank.Algorithm]*pcrbank.Bank, sel []Selection) (pcrbank.Digest, error) {
	ordered := make([]Selection, len(sel))
	copy(ordered, sel)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Algorithm.TPMAlgID < ordered[j].Algorithm.TPMAlgID
	})

	var concat []byte
	for _, s := range ordered {
		bank, ok := banks[s.Algorithm]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoBank, s.Algorithm.Name)
		}
		pcrs := append([]int(nil), s.PCRs...)
		sort.Ints(pcrs)
		for _, i := range pcrs {
			d, err := bank.Get(i)
			if err != nil {
				return nil, err
			}
			concat = append(concat, d...)
		}
	}
	return policyAlg.Hash(concat), nil
}

// BuildPolicyPCR forms the selection list, computes the PCR concatenation
// digest, and folds
// TPM_CC_PolicyPCR || pcrSelection || pcrDigest into a zero-initialized
// policy digest via the standard extend rule -- precisely what a TPM
// executing TPM2_PolicyPCR against a fresh policy session does.
func BuildPolicyPCR(policyAlg pcrbank.Algorithm, banks map[pcrbank.Algorithm]*pcrbank.Bank, sel []Selection) (policyDigest, pcrDigest pcrbank.Digest, selectionBytes []byte, err error) {
	selectionBytes = MarshalSelectionList(sel)

	pcrDigest, err = PCRDigest(policyAlg, banks, sel)
	if err != nil {
		return nil, nil, nil, err
	}

	var buf []byte
	buf = append(buf, beU32(ccPolicyPCR)...)
	buf = append(buf, selectionBytes...)
	buf = append(buf, pcrDigest...)

	policyDigest = policyAlg.Extend(policyAlg.ZeroDigest(), buf)
	return policyDigest, pcrDigest, selectionBytes, nil
}

// ExtendPolicyAuthorize folds TPM_CC_PolicyAuthorize || keyName || policyRef
// into an existing policy digest, per the real TPM2_PolicyAuthorize rule:
// the outer digest an authorized
// (rotation-friendly) policy actually seals against, built on top of an
// inner PolicyPCR digest signed by the authorizing key.
func ExtendPolicyAuthorize(policyAlg pcrbank.Algorithm, policyDigest pcrbank.Digest, keyName, policyRef []byte) pcrbank.Digest {
	var buf []byte
	buf = append(buf, beU32(ccPolicyAuthorize)...)
	buf = append(buf, keyName...)
	buf = append(buf, policyRef...)
	return policyAlg.Extend(policyDigest, buf)
}
