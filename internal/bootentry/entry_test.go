// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

package bootentry

import (
	"io"
	"os"

	"github.com/spf13/afero"
)

// aferoFS adapts an afero.Fs to the resolver's minimal FS interface,
// mirroring nullboot's efibootmgr.MapFS test double.
type aferoFS struct {
	afero.Fs
}

func (a aferoFS) Open(path string) (io.ReadCloser, error) { return a.Fs.Open(path) }
func (a aferoFS) ReadDir(path string) ([]os.DirEntry, error) {
	infos, err := afero.ReadDir(a.Fs, path)
	if err != nil {
		return nil, err
	}
	out := make([]os.DirEntry, len(infos))
	for i, fi := range infos {
		out[i] = dirEntry{fi}
	}
	return out, nil
}

type dirEntry struct{ os.FileInfo }

func (d dirEntry) Type() os.FileMode          { return d.FileInfo.Mode().Type() }
func (d dirEntry) Info() (os.FileInfo, error) { return d.FileInfo, nil }
