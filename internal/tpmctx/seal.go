// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package tpmctx

import (
	"fmt"

	"github.com/canonical/go-tpm2"
	tpm2mu "github.com/canonical/go-tpm2/mu"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
	"github.com/opensuse-go/pcr-oracle/internal/policy"
)

// DefaultParentHandle is the permanent handle recorded in a sealed key file
// when the caller does not override it: the owner hierarchy. The predictor
// never persists a storage root key -- it derives a fresh primary under this
// hierarchy from a fixed template on every seal and unseal, the same
// tpm2-tools convention as "--parent-context=0x40000001".
const DefaultParentHandle int32 = 0x40000001

// srkTemplate is the fixed ECC storage-key template the predictor derives
// its ephemeral primary from. Using a fixed template makes CreatePrimary
// deterministic: the same TPM, in the same hierarchy, always reproduces the
// same primary key, so a blob sealed in one process can always be unsealed
// in another without persisting anything.
func srkTemplate() *tpm2.Public {
	return &tpm2.Public{
		Type:    tpm2.ObjectTypeECC,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs: tpm2.AttrFixedTPM | tpm2.AttrFixedParent | tpm2.AttrSensitiveDataOrigin |
			tpm2.AttrUserWithAuth | tpm2.AttrNoDA | tpm2.AttrRestricted | tpm2.AttrDecrypt,
		Params: &tpm2.PublicParamsU{
			ECCDetail: &tpm2.ECCParams{
				Symmetric: tpm2.SymDefObject{
					Algorithm: tpm2.SymObjectAlgorithmAES,
					KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
					Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB},
				},
				Scheme:  tpm2.ECCScheme{Scheme: tpm2.ECCSchemeNull},
				CurveID: tpm2.ECCCurveNIST_P256,
				KDF:     tpm2.KDFScheme{Scheme: tpm2.KDFAlgorithmNull},
			},
		},
		Unique: &tpm2.PublicIDU{ECC: &tpm2.ECCPoint{}},
	}
}

// sealedObjectTemplate is the KeyedHash object template a secret is sealed
// under: no user auth, authorized purely by the supplied policy digest.
func sealedObjectTemplate(nameAlg tpm2.HashAlgorithmId, policyDigest pcrbank.Digest) *tpm2.Public {
	return &tpm2.Public{
		Type:       tpm2.ObjectTypeKeyedHash,
		NameAlg:    nameAlg,
		Attrs:      tpm2.AttrFixedTPM | tpm2.AttrFixedParent,
		AuthPolicy: tpm2.Digest(policyDigest),
		Params:     &tpm2.PublicParamsU{KeyedHashDetail: &tpm2.KeyedHashParams{Scheme: tpm2.KeyedHashScheme{Scheme: tpm2.KeyedHashSchemeNull}}},
	}
}

// SealedBlob is the (pub, priv) pair TPM2_Create returns for a newly sealed
// object, Tss2_MU marshaled into the byte slices a TPMKey file stores them
// as.
type SealedBlob struct {
	Public     []byte
	Private    []byte
	ParentHandle int32
}

// Seal creates a new TPM KeyedHash object under an ephemeral primary derived
// from the owner hierarchy, authorized solely by policyDigest, and wrapping
// secret as its sensitive data. The caller hands it the policy digest
// BuildPolicyPCR (or ExtendPolicyAuthorize) computed, never a PCR value
// directly.
func Seal(c *Context, nameAlg pcrbank.Algorithm, policyDigest pcrbank.Digest, secret []byte) (*SealedBlob, error) {
	primary, _, _, _, _, err := c.tpm.CreatePrimary(c.tpm.OwnerHandleContext(), nil, srkTemplate(), nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot create ephemeral primary: %w", err)
	}
	defer c.tpm.FlushContext(primary)

	sensitive := &tpm2.SensitiveCreate{Data: secret}
	template := sealedObjectTemplate(nameAlg.TPMAlgID, policyDigest)

	priv, pub, _, _, _, err := c.tpm.Create(primary, sensitive, template, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot seal: %w", err)
	}

	pubBytes, err := tpm2mu.MarshalToBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot marshal sealed public area: %w", err)
	}
	privBytes, err := tpm2mu.MarshalToBytes(priv)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot marshal sealed private area: %w", err)
	}

	return &SealedBlob{Public: pubBytes, Private: privBytes, ParentHandle: DefaultParentHandle}, nil
}

// ErrPolicyMismatch is returned by Unseal when the live TPM's PCRs (or the
// authorizing signature, for an authorized policy) do not satisfy the
// policy the sealed object was created under.
var ErrPolicyMismatch = fmt.Errorf("tpmctx: PCR policy not satisfied")

// Unseal is the inverse of Seal: it re-derives the ephemeral primary, loads
// the sealed object under it, builds a policy session executing
// TPM2_PolicyPCR against the selected banks' live values, and unseals.
// banks must hold live-TPM values (read via InitBankFromCurrent); a caller
// unsealing against a stale prediction gets ErrPolicyMismatch.
func Unseal(c *Context, nameAlg pcrbank.Algorithm, blob *SealedBlob, banks map[pcrbank.Algorithm]*pcrbank.Bank, sel []policy.Selection) ([]byte, error) {
	if blob.ParentHandle != DefaultParentHandle {
		return nil, fmt.Errorf("tpmctx: unsupported parent handle %#08x", blob.ParentHandle)
	}

	var pub tpm2.Public
	if _, err := tpm2mu.UnmarshalFromBytes(blob.Public, &pub); err != nil {
		return nil, fmt.Errorf("tpmctx: cannot unmarshal sealed public area: %w", err)
	}
	var priv tpm2.Private
	if _, err := tpm2mu.UnmarshalFromBytes(blob.Private, &priv); err != nil {
		return nil, fmt.Errorf("tpmctx: cannot unmarshal sealed private area: %w", err)
	}

	primary, _, _, _, _, err := c.tpm.CreatePrimary(c.tpm.OwnerHandleContext(), nil, srkTemplate(), nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot recreate ephemeral primary: %w", err)
	}
	defer c.tpm.FlushContext(primary)

	object, err := c.tpm.Load(primary, priv, &pub, nil)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot load sealed object: %w", err)
	}
	defer c.tpm.FlushContext(object)

	session, err := c.tpm.StartAuthSession(nil, nil, tpm2.SessionTypePolicy, nil, nameAlg.TPMAlgID)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot start policy session: %w", err)
	}
	defer c.tpm.FlushContext(session)

	var pcrSel tpm2.PCRSelectionList
	for _, s := range sel {
		pcrSel = append(pcrSel, tpm2.PCRSelection{Hash: s.Algorithm.TPMAlgID, Select: s.PCRs})
	}

	_, pcrDigest, _, err := policy.BuildPolicyPCR(nameAlg, banks, sel)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot compute PCR policy digest: %w", err)
	}

	if err := c.tpm.PolicyPCR(session, tpm2.Digest(pcrDigest), pcrSel); err != nil {
		return nil, fmt.Errorf("tpmctx: PolicyPCR failed: %w", err)
	}

	secret, err := c.tpm.Unseal(object, session)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyMismatch, err)
	}
	return secret, nil
}
