// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package tpm2key encodes and decodes the TSS2 PRIVATE KEY file format
// (the "TPM 2.0 Key" ASN.1 structure, draft-bashir-tpm2-keys): a sealed
// (or loadable, or importable) TPM object, its parent handle, and its
// optional policy list, PEM-armored with the guard
// "-----BEGIN TSS2 PRIVATE KEY-----". This is what C7 writes at the end of
// a successful prediction and reads back to unseal.
package tpm2key

import (
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Key type OIDs, under the id-tpmkey arc {2 23 133 10 1}.
var (
	OIDLoadableKey   = asn1.ObjectIdentifier{2, 23, 133, 10, 1, 3}
	OIDImportableKey = asn1.ObjectIdentifier{2, 23, 133, 10, 1, 4}
	OIDSealedKey     = asn1.ObjectIdentifier{2, 23, 133, 10, 1, 5}
)

const pemBlockType = "TSS2 PRIVATE KEY"

// ErrNotTPMKey is returned when the input is not PEM-armored with the TSS2
// private key guard, or its DER does not decode to the TPMKey structure.
var ErrNotTPMKey = fmt.Errorf("tpm2key: not a TSS2 PRIVATE KEY")

// Policy is one TPMPolicy entry: a command code the policy session must
// execute (e.g. TPM2_CC_PolicyPCR) and the command's saved parameter
// buffer.
type Policy struct {
	CommandCode   int32
	CommandPolicy []byte
}

// AuthPolicy names one alternative branch of an authorized policy, each
// with its own TPMPolicy chain -- used when a sealed object accepts more
// than one named policy (e.g. "grub2" and "systemd" branches sharing a
// PolicyAuthorize root).
type AuthPolicy struct {
	Name   string
	Policy []Policy
}

// Key is the parsed/to-be-marshaled TPMKey structure (the DER payload of a
// TSS2 PRIVATE KEY PEM file).
type Key struct {
	KeyType      asn1.ObjectIdentifier
	HasEmptyAuth bool
	EmptyAuth    bool
	Policy       []Policy
	Secret       []byte // present only for importable keys
	AuthPolicy   []AuthPolicy
	Parent       int32
	Public       []byte // TPM2B_PUBLIC, Tss2_MU marshaled
	Private      []byte // TPM2B_PRIVATE, Tss2_MU marshaled
}

func marshalPolicyList(b *cryptobyte.Builder, tag cbasn1.Tag, policies []Policy) {
	if len(policies) == 0 {
		return
	}
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, p := range policies {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						b.AddASN1Int64(int64(p.CommandCode))
					})
					b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						b.AddASN1OctetString(p.CommandPolicy)
					})
				})
			}
		})
	})
}

// Marshal encodes k as a TPMKey DER SEQUENCE.
func Marshal(k *Key) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(k.KeyType)

		if k.HasEmptyAuth {
			b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1Boolean(k.EmptyAuth)
			})
		}

		marshalPolicyList(b, cbasn1.Tag(1).ContextSpecific().Constructed(), k.Policy)

		if k.Secret != nil {
			b.AddASN1(cbasn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(k.Secret)
			})
		}

		if len(k.AuthPolicy) > 0 {
			b.AddASN1(cbasn1.Tag(3).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, ap := range k.AuthPolicy {
						b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
							if ap.Name != "" {
								b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
									b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
										b.AddBytes([]byte(ap.Name))
									})
								})
							}
							marshalPolicyList(b, cbasn1.Tag(1).ContextSpecific().Constructed(), ap.Policy)
						})
					}
				})
			})
		}

		b.AddASN1Int64(int64(k.Parent))
		b.AddASN1OctetString(k.Public)
		b.AddASN1OctetString(k.Private)
	})
	return b.Bytes()
}

// MarshalPEM encodes k as a TSS2 PRIVATE KEY PEM block, the form the
// predictor writes to disk.
func MarshalPEM(k *Key) ([]byte, error) {
	der, err := Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("tpm2key: cannot marshal: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der}), nil
}

func parsePolicyList(s *cryptobyte.String, tag cbasn1.Tag) ([]Policy, error) {
	var wrapper cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&wrapper, &present, tag) {
		return nil, fmt.Errorf("malformed policy list tag")
	}
	if !present {
		return nil, nil
	}

	var seq cryptobyte.String
	if !wrapper.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("malformed policy sequence")
	}

	var policies []Policy
	for !seq.Empty() {
		var entry cryptobyte.String
		if !seq.ReadASN1(&entry, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("malformed policy entry")
		}

		var ccWrapper cryptobyte.String
		if !entry.ReadASN1(&ccWrapper, cbasn1.Tag(0).ContextSpecific().Constructed()) {
			return nil, fmt.Errorf("malformed policy commandCode tag")
		}
		var cc int64
		if !ccWrapper.ReadASN1Int64WithTag(&cc, cbasn1.INTEGER) {
			return nil, fmt.Errorf("malformed policy commandCode")
		}

		var cpWrapper cryptobyte.String
		if !entry.ReadASN1(&cpWrapper, cbasn1.Tag(1).ContextSpecific().Constructed()) {
			return nil, fmt.Errorf("malformed policy commandPolicy tag")
		}
		var cp []byte
		if !cpWrapper.ReadASN1Bytes(&cp, cbasn1.OCTET_STRING) {
			return nil, fmt.Errorf("malformed policy commandPolicy")
		}

		policies = append(policies, Policy{CommandCode: int32(cc), CommandPolicy: cp})
	}
	return policies, nil
}

// Parse decodes a TSS2 PRIVATE KEY PEM block into a Key.
func Parse(pemBytes []byte) (*Key, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemBlockType {
		return nil, ErrNotTPMKey
	}

	s := cryptobyte.String(block.Bytes)
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: not an ASN.1 sequence", ErrNotTPMKey)
	}

	k := &Key{}
	if !seq.ReadASN1ObjectIdentifier(&k.KeyType) {
		return nil, fmt.Errorf("%w: missing key type OID", ErrNotTPMKey)
	}
	switch {
	case k.KeyType.Equal(OIDLoadableKey), k.KeyType.Equal(OIDImportableKey), k.KeyType.Equal(OIDSealedKey):
	default:
		return nil, fmt.Errorf("%w: unrecognized key type OID %v", ErrNotTPMKey, k.KeyType)
	}

	var emptyAuthWrapper cryptobyte.String
	var hasEmptyAuth bool
	if !seq.ReadOptionalASN1(&emptyAuthWrapper, &hasEmptyAuth, cbasn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, fmt.Errorf("%w: malformed emptyAuth", ErrNotTPMKey)
	}
	if hasEmptyAuth {
		if !emptyAuthWrapper.ReadASN1Boolean(&k.EmptyAuth) {
			return nil, fmt.Errorf("%w: malformed emptyAuth boolean", ErrNotTPMKey)
		}
		k.HasEmptyAuth = true
	}

	policy, err := parsePolicyList(&seq, cbasn1.Tag(1).ContextSpecific().Constructed())
	if err != nil {
		return nil, fmt.Errorf("%w: policy: %v", ErrNotTPMKey, err)
	}
	k.Policy = policy

	var secretWrapper cryptobyte.String
	var hasSecret bool
	if !seq.ReadOptionalASN1(&secretWrapper, &hasSecret, cbasn1.Tag(2).ContextSpecific().Constructed()) {
		return nil, fmt.Errorf("%w: malformed secret", ErrNotTPMKey)
	}
	if hasSecret {
		if !secretWrapper.ReadASN1Bytes(&k.Secret, cbasn1.OCTET_STRING) {
			return nil, fmt.Errorf("%w: malformed secret octet string", ErrNotTPMKey)
		}
	}

	var authPolicyWrapper cryptobyte.String
	var hasAuthPolicy bool
	if !seq.ReadOptionalASN1(&authPolicyWrapper, &hasAuthPolicy, cbasn1.Tag(3).ContextSpecific().Constructed()) {
		return nil, fmt.Errorf("%w: malformed authPolicy", ErrNotTPMKey)
	}
	if hasAuthPolicy {
		var apSeq cryptobyte.String
		if !authPolicyWrapper.ReadASN1(&apSeq, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: malformed authPolicy sequence", ErrNotTPMKey)
		}
		for !apSeq.Empty() {
			var entry cryptobyte.String
			if !apSeq.ReadASN1(&entry, cbasn1.SEQUENCE) {
				return nil, fmt.Errorf("%w: malformed authPolicy entry", ErrNotTPMKey)
			}
			var ap AuthPolicy

			var nameWrapper cryptobyte.String
			var hasName bool
			if !entry.ReadOptionalASN1(&nameWrapper, &hasName, cbasn1.Tag(0).ContextSpecific().Constructed()) {
				return nil, fmt.Errorf("%w: malformed authPolicy name tag", ErrNotTPMKey)
			}
			if hasName {
				var nameBytes cryptobyte.String
				if !nameWrapper.ReadASN1(&nameBytes, cbasn1.UTF8String) {
					return nil, fmt.Errorf("%w: malformed authPolicy name", ErrNotTPMKey)
				}
				ap.Name = string(nameBytes)
			}

			innerPolicy, err := parsePolicyList(&entry, cbasn1.Tag(1).ContextSpecific().Constructed())
			if err != nil {
				return nil, fmt.Errorf("%w: authPolicy.policy: %v", ErrNotTPMKey, err)
			}
			ap.Policy = innerPolicy

			k.AuthPolicy = append(k.AuthPolicy, ap)
		}
	}

	var parent int64
	if !seq.ReadASN1Int64WithTag(&parent, cbasn1.INTEGER) {
		return nil, fmt.Errorf("%w: missing parent handle", ErrNotTPMKey)
	}
	k.Parent = int32(parent)

	if !seq.ReadASN1Bytes(&k.Public, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: missing pubkey", ErrNotTPMKey)
	}
	if !seq.ReadASN1Bytes(&k.Private, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: missing privkey", ErrNotTPMKey)
	}

	return k, nil
}
