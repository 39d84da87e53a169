// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Command pcr-oracle predicts the TPM PCR values a systemd-boot/UAPI UEFI
// system will hold after its next boot, and optionally seals a secret
// against that prediction. This file is the thin wiring the core needs to
// be runnable, in the same minimal-flag-parsing style as nullboot's own
// cmd/nullbootctl.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opensuse-go/pcr-oracle/internal/bootentry"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
	"github.com/opensuse-go/pcr-oracle/internal/policy"
	"github.com/opensuse-go/pcr-oracle/internal/predictor"
	"github.com/opensuse-go/pcr-oracle/internal/rootfs"
	"github.com/opensuse-go/pcr-oracle/internal/scanner"
	"github.com/opensuse-go/pcr-oracle/internal/tpm2key"
	"github.com/opensuse-go/pcr-oracle/internal/tpmctx"
)

// commonFlags are shared by every subcommand: which event log to replay,
// which algorithm and PCR mask to predict, and where the future root lives.
type commonFlags struct {
	logFile    string
	algorithm  string
	pcrMask    uint
	rootDir    string
	entriesDir string
	platform   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.logFile, "log", "/sys/kernel/security/tpm0/binary_bios_measurements", "path to the TCG binary event log")
	fs.StringVar(&c.algorithm, "algorithm", "sha256", "PCR bank algorithm (sha1, sha256, sha384, sha512)")
	fs.UintVar(&c.pcrMask, "pcr-mask", 0x010014, "bitmask of PCR registers to predict (default: 2,4,16)")
	fs.StringVar(&c.rootDir, "root", "/", "mount point of the future root (the ESP the next boot will use)")
	fs.StringVar(&c.entriesDir, "boot-entries", "/boot/efi/loader/entries", "UAPI boot-loader-spec entries directory")
	fs.StringVar(&c.platform, "platform", "tpm2.0", "target platform (tpm2.0, systemd)")
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: %s <identify|seal|unseal> [flags]", os.Args[0])
	}

	switch os.Args[1] {
	case "identify":
		return runIdentify(os.Args[2:])
	case "seal":
		return runSeal(os.Args[2:])
	case "unseal":
		return runUnseal(os.Args[2:])
	default:
		return fmt.Errorf("unknown subcommand %q: usage: %s <identify|seal|unseal> [flags]", os.Args[1], os.Args[0])
	}
}

// predictBank is shared by identify and seal: resolve the next boot entry,
// build the scanner context, and replay the event log.
func predictBank(c *commonFlags) (*predictor.Result, pcrbank.Algorithm, error) {
	alg, err := pcrbank.ByName(c.algorithm)
	if err != nil {
		return nil, pcrbank.Algorithm{}, err
	}

	rawLog, err := os.ReadFile(c.logFile)
	if err != nil {
		return nil, pcrbank.Algorithm{}, fmt.Errorf("cannot read event log %s: %w", c.logFile, err)
	}

	ctx, err := buildScannerContext(c)
	if err != nil {
		return nil, pcrbank.Algorithm{}, err
	}

	result, err := predictor.Predict(rawLog, []pcrbank.Algorithm{alg}, uint32(c.pcrMask), ctx)
	if err != nil {
		return nil, pcrbank.Algorithm{}, err
	}
	return result, alg, nil
}

// buildScannerContext resolves the next UAPI boot entry under c.entriesDir
// and wires it into a scanner.Context, giving the IPL scanner the new
// command line and loader entry id. The current command line and loader
// entry id are not filled in, so the IPL scanner matches no event payload
// and every IPL event keeps its logged digest. Variable and GPT overrides are left empty: a caller wanting to
// predict a Secure Boot key rotation or partition change registers them
// separately before calling predictBank in a larger program; this CLI's
// out-of-scope surface only drives the common case of a kernel/bootloader
// update.
func buildScannerContext(c *commonFlags) (*scanner.Context, error) {
	token, err := bootentry.ResolveEntryToken(bootentry.DefaultFS, c.entriesDir)
	if err != nil {
		return nil, err
	}
	machineID, err := bootentry.MachineID(bootentry.DefaultFS)
	if err != nil {
		return nil, err
	}

	entries, err := bootentry.Discover(bootentry.DefaultFS, c.entriesDir, token, machineID, "")
	if err != nil {
		return nil, err
	}
	best, ok := bootentry.Best(entries)
	if !ok {
		return nil, fmt.Errorf("no boot entry found under %s for token %s", c.entriesDir, token)
	}

	newCmdline := bootentry.CommandLine(best)
	loaderEntryID, _ := bootentry.ParseLoaderEntryID(best.SourceFile, token)

	return &scanner.Context{
		Variables:       nil,
		Root:            rootfs.New(c.rootDir, uuid.UUID{}),
		NewCommandLine:  newCmdline,
		NewLoaderEntryID: loaderEntryID,
	}, nil
}

func runIdentify(args []string) error {
	fs := flag.NewFlagSet("identify", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	out := fs.String("output", "", "write the PCR snapshot here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, alg, err := predictBank(&c)
	if err != nil {
		return err
	}
	log.Printf("predicted %d events into %s bank (mask %#06x)", result.EventsFolded, alg.Name, c.pcrMask)

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return result.Banks[alg].Snapshot(w)
}

// systemdPolicyRecord is the small JSON document the "systemd" platform
// writes instead of a TPM2 Key PEM file: the shape bootctl/systemd-pcrphase-
// style consumers of a systemd-boot PCR policy expect.
type systemdPolicyRecord struct {
	PCRBank      string `json:"pcrBank"`
	PCRMask      uint   `json:"pcrMask"`
	PolicyDigest string `json:"policyDigest"`
	Signature    string `json:"signature,omitempty"`
}

func runSeal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	secretFile := fs.String("secret", "", "path to the secret to seal")
	output := fs.String("output", "", "path to write the sealed key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secretFile == "" || *output == "" {
		return fmt.Errorf("seal requires -secret and -output")
	}

	result, alg, err := predictBank(&c)
	if err != nil {
		return err
	}
	log.Printf("predicted %d events into %s bank", result.EventsFolded, alg.Name)

	sel := maskToSelection(alg, c.pcrMask)
	policyDigest, pcrDigest, _, err := policy.BuildPolicyPCR(alg, result.Banks, sel)
	if err != nil {
		return err
	}
	log.Printf("PCR concatenation digest: %s", pcrDigest)
	log.Printf("policy digest: %s", policyDigest)

	secret, err := os.ReadFile(*secretFile)
	if err != nil {
		return fmt.Errorf("cannot read secret %s: %w", *secretFile, err)
	}

	if c.platform == "systemd" {
		rec := systemdPolicyRecord{PCRBank: alg.Name, PCRMask: c.pcrMask, PolicyDigest: policyDigest.String()}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		return writeAtomic(*output, data)
	}

	tpmCtx, err := tpmctx.Get()
	if err != nil {
		return err
	}
	blob, err := tpmctx.Seal(tpmCtx, alg, policyDigest, secret)
	if err != nil {
		return err
	}

	key := &tpm2key.Key{
		KeyType:      tpm2key.OIDSealedKey,
		HasEmptyAuth: true,
		EmptyAuth:    true,
		Policy: []tpm2key.Policy{
			{CommandCode: policyPCRCommandCode, CommandPolicy: policy.MarshalSelectionList(sel)},
		},
		Parent:  blob.ParentHandle,
		Public:  blob.Public,
		Private: blob.Private,
	}
	pem, err := tpm2key.MarshalPEM(key)
	if err != nil {
		return err
	}
	return writeAtomic(*output, pem)
}

// policyPCRCommandCode mirrors internal/policy's unexported ccPolicyPCR: the
// TPM2_CC_PolicyPCR command code stored in the key file's TPMPolicy entry so
// a later unseal knows which command the recorded parameter blob belongs to.
const policyPCRCommandCode = 0x0000017f

func runUnseal(args []string) error {
	fs := flag.NewFlagSet("unseal", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	keyFile := fs.String("key", "", "path to the sealed TPM2 key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" {
		return fmt.Errorf("unseal requires -key")
	}

	alg, err := pcrbank.ByName(c.algorithm)
	if err != nil {
		return err
	}

	pemBytes, err := os.ReadFile(*keyFile)
	if err != nil {
		return err
	}
	key, err := tpm2key.Parse(pemBytes)
	if err != nil {
		return err
	}

	tpmCtx, err := tpmctx.Get()
	if err != nil {
		return err
	}
	bank, err := tpmctx.InitBankFromCurrent(tpmCtx, alg, uint32(c.pcrMask))
	if err != nil {
		return err
	}

	sel := maskToSelection(alg, c.pcrMask)
	blob := &tpmctx.SealedBlob{Public: key.Public, Private: key.Private, ParentHandle: key.Parent}
	secret, err := tpmctx.Unseal(tpmCtx, alg, blob, map[pcrbank.Algorithm]*pcrbank.Bank{alg: bank}, sel)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(secret)
	return err
}

func maskToSelection(alg pcrbank.Algorithm, mask uint) []policy.Selection {
	var pcrs []int
	for i := 0; i < pcrbank.NumPCRs; i++ {
		if mask&(1<<uint(i)) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	return []policy.Selection{{Algorithm: alg, PCRs: pcrs}}
}

// writeAtomic ensures partial output is never observed at the destination
// path: the key file is written to a temp file in the same directory and
// renamed into place only once it's fully flushed, matching the
// write-to-temp-then-rename idiom nullboot's asset installation uses.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func main() {
	if err := run(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
