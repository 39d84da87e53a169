// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package bootentry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FS abstracts the filesystem the resolver reads from, matching nullboot's
// efibootmgr.FS -- it exists so tests can substitute an afero in-memory
// filesystem for /etc and /boot/efi.
type FS interface {
	Open(path string) (io.ReadCloser, error)
	ReadDir(path string) ([]os.DirEntry, error)
}

type realFS struct{}

func (realFS) Open(path string) (io.ReadCloser, error)    { return os.Open(path) }
func (realFS) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

// DefaultFS reads from the real filesystem.
var DefaultFS FS = realFS{}

// Entry is one parsed UAPI boot-loader-spec entry file.
type Entry struct {
	SortKey      string
	MachineID    string
	Version      string
	Options      string
	ImagePath    string
	InitrdPath   string
	Architecture string
	SourceFile   string

	hasMachineID    bool
	hasArchitecture bool
}

func readFirstLine(fsys FS, path string) (string, bool) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), true
	}
	return "", false
}

// osRelease reads a minimal set of key=value fields from /etc/os-release.
func osRelease(fsys FS, path string) map[string]string {
	out := map[string]string{}
	f, err := fsys.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"'`)
	}
	return out
}

// ErrNoEntryToken is returned by ResolveEntryToken when none of the
// candidate prefixes has a matching entry file.
var ErrNoEntryToken = fmt.Errorf("bootentry: no valid entry-token prefix found")

// ResolveEntryToken picks the first of (entry-token, machine-id,
// os-release.ID, os-release.IMAGE_ID) for which at least one entry file
// with that prefix exists under entriesDir; fail if none does. This is the
// precedence systemd-boot's own boot-loader-spec documentation gives for
// resolving "$entry-token" when /etc/kernel/entry-token is absent.
func ResolveEntryToken(fsys FS, entriesDir string) (string, error) {
	rel := osRelease(fsys, "/etc/os-release")

	var candidates []string
	if tok, ok := readFirstLine(fsys, "/etc/kernel/entry-token"); ok && tok != "" {
		candidates = append(candidates, tok)
	}
	if mid, ok := readFirstLine(fsys, "/etc/machine-id"); ok && mid != "" {
		candidates = append(candidates, mid)
	}
	if id := rel["ID"]; id != "" {
		candidates = append(candidates, id)
	}
	if id := rel["IMAGE_ID"]; id != "" {
		candidates = append(candidates, id)
	}

	entries, err := fsys.ReadDir(entriesDir)
	if err != nil {
		return "", fmt.Errorf("bootentry: cannot read %s: %w", entriesDir, err)
	}

	for _, candidate := range candidates {
		prefix := candidate + "-"
		for _, ent := range entries {
			if strings.HasPrefix(ent.Name(), prefix) {
				return candidate, nil
			}
		}
	}

	return "", ErrNoEntryToken
}

func parseEntryFile(r io.Reader, sourceFile string) *Entry {
	e := &Entry{SourceFile: sourceFile}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			key, value = line, ""
		}
		value = strings.TrimSpace(value)
		switch key {
		case "sort-key":
			e.SortKey = value
		case "machine-id":
			e.MachineID = value
			e.hasMachineID = true
		case "version":
			e.Version = value
		case "options":
			e.Options = value
		case "linux":
			e.ImagePath = value
		case "initrd":
			e.InitrdPath = value
		case "architecture":
			e.Architecture = value
			e.hasArchitecture = true
		}
	}
	return e
}

// Discover reads entriesDir, keeps the files whose name starts with
// entryToken + "-", parses each as a boot entry, and filters out entries
// whose declared machine-id or architecture don't match the current
// machine.
func Discover(fsys FS, entriesDir, entryToken, machineID, arch string) ([]*Entry, error) {
	dirents, err := fsys.ReadDir(entriesDir)
	if err != nil {
		return nil, fmt.Errorf("bootentry: cannot read %s: %w", entriesDir, err)
	}

	prefix := entryToken + "-"
	var entries []*Entry
	for _, d := range dirents {
		name := d.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".conf") {
			continue
		}
		path := filepath.Join(entriesDir, name)
		f, err := fsys.Open(path)
		if err != nil {
			return nil, fmt.Errorf("bootentry: cannot open %s: %w", path, err)
		}
		e := parseEntryFile(f, path)
		f.Close()

		if e.hasMachineID && e.MachineID != machineID {
			continue
		}
		if e.hasArchitecture && e.Architecture != arch {
			continue
		}

		entries = append(entries, e)
	}

	sortEntries(entries)
	return entries, nil
}

// sortEntries orders entries newest-first: by sort-key ascending, then
// machine-id ascending, then version using UAPI version comparison, with
// the whole ordering reversed so the newest entry comes first.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		if a.MachineID != b.MachineID {
			return a.MachineID < b.MachineID
		}
		return CompareVersions(a.Version, b.Version) < 0
	})

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// Best returns the entry that will be chosen on the next boot: the first
// (newest) entry after Discover's ranking, or false if there are none.
func Best(entries []*Entry) (*Entry, bool) {
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0], true
}

// CommandLine constructs the kernel command line exactly as sd-boot
// measures it: the entry's options concatenated verbatim, with a trailing
// NUL as measured into the IPL event.
func CommandLine(e *Entry) string {
	return e.Options + "\x00"
}

// MachineID reads /etc/machine-id, trimmed.
func MachineID(fsys FS) (string, error) {
	s, ok := readFirstLine(fsys, "/etc/machine-id")
	if !ok {
		return "", fmt.Errorf("bootentry: cannot read /etc/machine-id")
	}
	return s, nil
}

// ParseLoaderEntryID extracts the numeric suffix from a sd-boot loader
// entry source file name, e.g. "6.4.0-150600.2" from
// "/boot/efi/loader/entries/<token>-6.4.0-150600.2.conf", used when
// building the IPL loader-entry-id string.
func ParseLoaderEntryID(sourceFile, token string) (string, bool) {
	base := filepath.Base(sourceFile)
	base = strings.TrimSuffix(base, ".conf")
	prefix := token + "-"
	if !strings.HasPrefix(base, prefix) {
		return "", false
	}
	return strings.TrimPrefix(base, prefix), true
}
