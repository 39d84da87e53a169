// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package pcrbank implements the named hash algorithm table, fixed-size
// digest values, and the 24-register PCR bank with its extend operation.
package pcrbank

import (
	"crypto"
	"fmt"
	"hash"

	"github.com/canonical/go-tpm2"
)

// Algorithm describes one of the hash algorithms a PCR bank can be kept in.
type Algorithm struct {
	Name       string
	TPMAlgID   tpm2.HashAlgorithmId
	DigestSize int
}

var algorithms = []Algorithm{
	{Name: "sha1", TPMAlgID: tpm2.HashAlgorithmSHA1, DigestSize: 20},
	{Name: "sha256", TPMAlgID: tpm2.HashAlgorithmSHA256, DigestSize: 32},
	{Name: "sha384", TPMAlgID: tpm2.HashAlgorithmSHA384, DigestSize: 48},
	{Name: "sha512", TPMAlgID: tpm2.HashAlgorithmSHA512, DigestSize: 64},
}

// ErrUnknownAlgorithm is returned by ByName and ByTPMAlgID when the
// requested algorithm is not one the predictor knows about.
var ErrUnknownAlgorithm = fmt.Errorf("pcrbank: unknown hash algorithm")

// ByName resolves a canonical lowercase algorithm name ("sha1", "sha256",
// "sha384", "sha512") to its descriptor.
func ByName(name string) (Algorithm, error) {
	for _, a := range algorithms {
		if a.Name == name {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// ByTPMAlgID resolves a TPM-native algorithm id to its descriptor.
func ByTPMAlgID(id tpm2.HashAlgorithmId) (Algorithm, error) {
	for _, a := range algorithms {
		if a.TPMAlgID == id {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%w: id %#04x", ErrUnknownAlgorithm, uint16(id))
}

// New returns a fresh hash.Hash instance for this algorithm.
func (a Algorithm) New() hash.Hash {
	return a.TPMAlgID.NewHash()
}

// CryptoHash returns the standard library crypto.Hash identifier for this
// algorithm, for callers (go-efilib's Authenticode digest) that key off
// crypto.Hash rather than a hash.Hash constructor.
func (a Algorithm) CryptoHash() crypto.Hash {
	return a.TPMAlgID.GetHash()
}

// ZeroDigest returns a digest of the right size, all zero bytes.
func (a Algorithm) ZeroDigest() Digest {
	return make(Digest, a.DigestSize)
}
