// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package tpmctx manages the process-wide TPM connection the predictor
// needs when it initializes a bank from the live device: a lazy singleton
// opened on first use, plus the record/playback indirection that makes a
// prediction run reproducible without hardware.
package tpmctx

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
)

const (
	// EnvRecordPCRs names the environment variable that, when set,
	// receives an appended "idx algo hex" line for every PCR read from
	// the live TPM.
	EnvRecordPCRs = "PCR_ORACLE_RECORD_PCRS"
	// EnvPlayPCRs names the environment variable that, when set,
	// short-circuits all TPM reads to instead load PCR values from the
	// named snapshot file.
	EnvPlayPCRs = "PCR_ORACLE_PLAY_PCRS"
)

var (
	mu        sync.Mutex
	singleton *Context
)

// Context wraps the process' one TPM connection.
type Context struct {
	tpm *tpm2.TPMContext
}

// defaultDevicePath is the TPM resource manager device most distributions
// expose; callers needing a different TCTI (e.g. a swtpm simulator in
// tests) use record/playback instead of this singleton.
const defaultDevicePath = "/dev/tpmrm0"

// Get returns the process-wide TPM context, opening the default device on
// first call. Subsequent calls reuse the same connection.
func Get() (*Context, error) {
	mu.Lock()
	defer mu.Unlock()

	if singleton != nil {
		return singleton, nil
	}

	tcti, err := linux.OpenDevice(defaultDevicePath)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: cannot open %s: %w", defaultDevicePath, err)
	}
	singleton = &Context{tpm: tpm2.NewTPMContext(tcti)}
	return singleton, nil
}

// Close releases the underlying TPM connection. The core contract does not
// require callers to call it -- the OS reclaims the handle at process exit
// -- but long-running callers (a daemon, a test harness) may want to.
func (c *Context) Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := c.tpm.Close()
	singleton = nil
	return err
}

// readLive reads the selected PCRs from the live TPM for one algorithm,
// returning one digest per selected register.
func (c *Context) readLive(alg pcrbank.Algorithm, mask uint32) (map[int]pcrbank.Digest, error) {
	var pcrs []int
	for i := 0; i < pcrbank.NumPCRs; i++ {
		if mask&(1<<uint(i)) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	sel := tpm2.PCRSelectionList{{Hash: alg.TPMAlgID, Select: pcrs}}

	_, values, err := c.tpm.PCRRead(sel)
	if err != nil {
		return nil, fmt.Errorf("tpmctx: PCR_Read failed: %w", err)
	}

	out := make(map[int]pcrbank.Digest, len(pcrs))
	for _, i := range pcrs {
		d, ok := values[alg.TPMAlgID][i]
		if !ok {
			return nil, fmt.Errorf("tpmctx: TPM did not return PCR %d for algorithm %s", i, alg.Name)
		}
		out[i] = pcrbank.Digest(d)
	}
	return out, nil
}

// snapshotLines renders a set of PCR values in the same "idx algo hex\n"
// format Bank.Snapshot and Bank.LoadSnapshot use, so a live read can be fed
// straight back through the bank's own snapshot loader and, optionally,
// appended to a record file in the same format a later playback run reads.
func snapshotLines(alg pcrbank.Algorithm, values map[int]pcrbank.Digest) []byte {
	var buf bytes.Buffer
	for i := 0; i < pcrbank.NumPCRs; i++ {
		d, ok := values[i]
		if !ok {
			continue
		}
		fmt.Fprintf(&buf, "%02d %s %s\n", i, alg.Name, d)
	}
	return buf.Bytes()
}

// InitBankFromCurrent initializes a bank from the live TPM via PCR_Read,
// with a record/playback indirection: when PCR_ORACLE_PLAY_PCRS is
// set, the bank is loaded from that snapshot file instead of touching the
// TPM at all; otherwise it is read live, going through the same
// snapshot-line format so the bank ends up holding the TPM's actual
// register values rather than values folded through Extend a second time.
// If PCR_ORACLE_RECORD_PCRS is set, the live values are also appended
// there for later playback.
func InitBankFromCurrent(c *Context, alg pcrbank.Algorithm, mask uint32) (*pcrbank.Bank, error) {
	if playFile := os.Getenv(EnvPlayPCRs); playFile != "" {
		return pcrbank.LoadSnapshotFile(playFile, alg, mask)
	}

	if c == nil {
		return nil, fmt.Errorf("tpmctx: no TPM context available and %s is not set", EnvPlayPCRs)
	}

	values, err := c.readLive(alg, mask)
	if err != nil {
		return nil, err
	}

	lines := snapshotLines(alg, values)

	bank := pcrbank.NewBank(alg, mask)
	if err := bank.LoadSnapshot(bytes.NewReader(lines)); err != nil {
		return nil, err
	}

	if recordFile := os.Getenv(EnvRecordPCRs); recordFile != "" {
		if err := appendSnapshot(recordFile, lines); err != nil {
			return nil, err
		}
	}

	return bank, nil
}

func appendSnapshot(path string, lines []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("tpmctx: cannot open %s for recording: %w", path, err)
	}
	defer f.Close()
	_, err = f.Write(lines)
	return err
}
