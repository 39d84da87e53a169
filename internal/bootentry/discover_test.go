// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package bootentry

import (
	"testing"

	"github.com/spf13/afero"
)

const machineID = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"

func writeEntry(t *testing.T, fs afero.Fs, path, body string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveEntryTokenPrefersEntryTokenFile(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := aferoFS{mem}

	writeEntry(t, mem, "/etc/kernel/entry-token", "mytoken\n")
	writeEntry(t, mem, "/etc/machine-id", machineID+"\n")
	writeEntry(t, mem, "/boot/efi/loader/entries/mytoken-6.4.0.conf", "title Test\n")

	tok, err := ResolveEntryToken(fs, "/boot/efi/loader/entries")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "mytoken" {
		t.Fatalf("got %q, want mytoken", tok)
	}
}

func TestResolveEntryTokenFallsBackToMachineID(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := aferoFS{mem}

	// entry-token exists but no entry file uses it; machine-id does.
	writeEntry(t, mem, "/etc/kernel/entry-token", "stale-token\n")
	writeEntry(t, mem, "/etc/machine-id", machineID+"\n")
	writeEntry(t, mem, "/boot/efi/loader/entries/"+machineID+"-6.4.0.conf", "title Test\n")

	tok, err := ResolveEntryToken(fs, "/boot/efi/loader/entries")
	if err != nil {
		t.Fatal(err)
	}
	if tok != machineID {
		t.Fatalf("got %q, want %s", tok, machineID)
	}
}

func TestResolveEntryTokenFailsWhenNoneMatch(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := aferoFS{mem}
	mem.MkdirAll("/boot/efi/loader/entries", 0755)

	if _, err := ResolveEntryToken(fs, "/boot/efi/loader/entries"); err == nil {
		t.Fatal("expected ErrNoEntryToken")
	}
}

func TestDiscoverFiltersAndRanksEntries(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := aferoFS{mem}

	const dir = "/boot/efi/loader/entries"
	writeEntry(t, mem, dir+"/tok-6.4.0-150600.1.conf", "version 6.4.0-150600.1\nmachine-id "+machineID+"\noptions root=/dev/sda1\nlinux /vmlinuz\n")
	writeEntry(t, mem, dir+"/tok-6.4.0-150600.10.conf", "version 6.4.0-150600.10\nmachine-id "+machineID+"\noptions root=/dev/sda1\nlinux /vmlinuz\n")
	writeEntry(t, mem, dir+"/tok-other-machine.conf", "version 9.9.9\nmachine-id deadbeefdeadbeefdeadbeefdeadbeef\n")
	writeEntry(t, mem, dir+"/tok-wrong-arch.conf", "version 6.4.0-150600.20\nmachine-id "+machineID+"\narchitecture arm64\n")
	writeEntry(t, mem, dir+"/unrelated-6.0.conf", "version 6.0\n")

	entries, err := Discover(fs, dir, "tok", machineID, "x86_64")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 matching entries, got %d: %+v", len(entries), entries)
	}

	best, ok := Best(entries)
	if !ok {
		t.Fatal("expected a best entry")
	}
	if best.Version != "6.4.0-150600.10" {
		t.Fatalf("got best version %q, want 6.4.0-150600.10", best.Version)
	}
}

func TestCommandLineHasTrailingNUL(t *testing.T) {
	e := &Entry{Options: "root=/dev/sda1 ro"}
	cmdline := CommandLine(e)
	if cmdline[len(cmdline)-1] != 0 {
		t.Fatal("expected trailing NUL")
	}
	if cmdline[:len(cmdline)-1] != "root=/dev/sda1 ro" {
		t.Fatalf("got %q", cmdline)
	}
}

func TestParseLoaderEntryID(t *testing.T) {
	id, ok := ParseLoaderEntryID("/boot/efi/loader/entries/tok-6.4.0-150600.2.conf", "tok")
	if !ok || id != "6.4.0-150600.2" {
		t.Fatalf("got %q, %v", id, ok)
	}
	if _, ok := ParseLoaderEntryID("/boot/efi/loader/entries/other-1.0.conf", "tok"); ok {
		t.Fatal("expected no match for mismatched token")
	}
}
