// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package predictor wires the event-log reader, the per-event-type
// scanners, and the PCR bank into a single pass: event log bytes in, one
// predicted Bank per requested algorithm out. This is the entry point every
// other component, and the CLI, is built to feed into or consume from.
package predictor

import (
	"errors"
	"fmt"
	"io"

	"github.com/opensuse-go/pcr-oracle/internal/pcrbank"
	"github.com/opensuse-go/pcr-oracle/internal/scanner"
	"github.com/opensuse-go/pcr-oracle/internal/tcglog"
)

// startupLocalitySignature is the NUL-terminated ASCII tag TCG firmware
// logs as an EV_NO_ACTION event immediately before any locality other than
// 0 measures into PCR 0 (TCG PC Client Platform Firmware Profile, "Late
// Launch" / DRTM section). It carries one trailing byte: the locality.
const startupLocalitySignature = "StartupLocality\x00"

// startupLocality reports the locality byte of a StartupLocality
// EV_NO_ACTION event, if e is one.
func startupLocality(e *tcglog.Event) (uint8, bool) {
	if e.EventType != tcglog.EventTypeNoAction {
		return 0, false
	}
	sig := []byte(startupLocalitySignature)
	if len(e.Data) != len(sig)+1 {
		return 0, false
	}
	for i, b := range sig {
		if e.Data[i] != b {
			return 0, false
		}
	}
	return e.Data[len(sig)], true
}

// Result is one Predict run's output: the predicted bank per algorithm and
// how many events were folded into it, for diagnostics and logging.
type Result struct {
	Banks        map[pcrbank.Algorithm]*pcrbank.Bank
	EventsFolded int
}

// Predict replays an event log, substituting a scanner-produced replacement
// digest wherever ctx recognizes a change, and extends one Bank per
// algorithm in algs with the result. mask selects which PCRs the returned
// banks care about. Events are read and folded strictly in log order, one
// extend per event per algorithm, never reordered, and a scanner failure
// aborts the whole run rather than falling back to the original digest.
func Predict(rawLog []byte, algs []pcrbank.Algorithm, mask uint32, ctx *scanner.Context) (*Result, error) {
	log, err := tcglog.Parse(rawLog)
	if err != nil {
		return nil, err
	}

	banks := make(map[pcrbank.Algorithm]*pcrbank.Bank, len(algs))
	for _, alg := range algs {
		bank := pcrbank.NewBank(alg, mask)
		// Every register of interest starts valid and all-zero (locality 0
		// writes the all-zero reset value).
		for i := 0; i < pcrbank.NumPCRs; i++ {
			if bank.Interested(i) {
				if err := bank.SetLocality(i, 0); err != nil {
					return nil, err
				}
			}
		}
		banks[alg] = bank
	}

	folded := 0
	for {
		event, err := log.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if loc, ok := startupLocality(event); ok && event.PCRIndex == 0 {
			for _, alg := range algs {
				if err := banks[alg].SetLocality(0, loc); err != nil {
					return nil, fmt.Errorf("predictor: event %d: %w", event.Index, err)
				}
			}
			continue
		}

		outcome, err := scanner.Scan(event, ctx, algs)
		if err != nil {
			return nil, err
		}
		if outcome.Kind == scanner.Skip {
			continue
		}

		extended := false
		for _, alg := range algs {
			if !banks[alg].Interested(event.PCRIndex) {
				continue
			}
			d := outcome.Digests[alg]
			if outcome.Kind == scanner.UseOriginalDigest {
				d = event.Digest(alg)
				if d == nil {
					return nil, fmt.Errorf("predictor: event %d has no digest for algorithm %s", event.Index, alg.Name)
				}
			}
			if err := banks[alg].Extend(event.PCRIndex, d); err != nil {
				if errors.Is(err, pcrbank.ErrNotOfInterest) {
					continue
				}
				return nil, fmt.Errorf("predictor: event %d: %w", event.Index, err)
			}
			extended = true
		}
		if extended {
			folded++
		}
	}

	return &Result{Banks: banks, EventsFolded: folded}, nil
}
