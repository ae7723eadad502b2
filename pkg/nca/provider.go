// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"os"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// ContentProvider is the external collaborator C5/C6 read through
// (spec.md §6): installed-title storage keyed by content id, a raw
// cartridge keyed by absolute media offset, or a plain host file.
// Implementations must be blocking and safe for concurrent use, since
// the pipeline's reader and patch-emission code may both call in.
type ContentProvider interface {
	ReadContentFile(offset int64, length int) ([]byte, error)
}

// sliceProvider adapts an in-memory byte slice to ContentProvider, the
// shape this package's tests construct their fixtures against.
type sliceProvider struct {
	data []byte
}

// NewSliceProvider wraps data as a ContentProvider for tests and for
// small host files already fully read into memory.
func NewSliceProvider(data []byte) ContentProvider { return sliceProvider{data: data} }

func (p sliceProvider) ReadContentFile(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+int64(length) > int64(len(p.data)) {
		return nil, &nxerr.OutOfRange{Offset: offset, Length: int64(length), Extent: int64(len(p.data))}
	}
	out := make([]byte, length)
	copy(out, p.data[offset:offset+int64(length)])
	return out, nil
}

// fileProvider adapts a host file to ContentProvider via pread-style
// random access, for cmd/ncatool and other host-side tooling that reads
// a real .nca file off disk rather than a fixture held in memory.
type fileProvider struct {
	f *os.File
}

// NewFileProvider opens path and returns a ContentProvider reading from
// it, plus the underlying *os.File so the caller can Close it when done.
func NewFileProvider(path string) (ContentProvider, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &nxerr.IoError{Source: err}
	}
	return fileProvider{f: f}, f, nil
}

func (p fileProvider) ReadContentFile(offset int64, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := p.f.ReadAt(out, offset); err != nil {
		return nil, &nxerr.IoError{Source: err}
	}
	return out, nil
}
