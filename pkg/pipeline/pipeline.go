// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline drives the two-stage streaming dump: a reader stage
// pulls content bytes (applying any in-flight hash-tree or content-meta
// patches), a writer stage consumes them and hands them to a Sink
// (spec.md §4.13, §5, §9). The source's mutex-plus-two-condvars design
// is restated here as a capacity-1 channel, per the spec's own §9 note
// that this is "an equivalent, cleaner formulation" in a language with
// channels — mirroring how pkg/fmap's fmap.go favors a single owned
// buffer passed down a call chain over shared mutable state guarded by
// locks.
package pipeline

import (
	"context"
	"crypto/sha256"
	"hash"
	"hash/crc32"
	"io"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// Source produces the next chunk of plaintext content bytes, writing up
// to len(buf) bytes starting at virtual offset 'at'. It returns the
// number of bytes produced; io.EOF once the source is exhausted.
type Source interface {
	ReadAt(buf []byte, at int64) (int, error)
}

// Patcher is given every chunk before it is handed to the writer stage,
// with the chunk's own virtual offset, so hash-tree and content-meta
// patches (pkg/hashtree, pkg/cnmt) can splice their bytes in during the
// copy rather than requiring a second pass (spec.md §4.10, §4.13).
type Patcher interface {
	Apply(buf []byte, at int64)
}

// PatcherFunc adapts a function to Patcher.
type PatcherFunc func(buf []byte, at int64)

func (f PatcherFunc) Apply(buf []byte, at int64) { f(buf, at) }

// Sink is the destination for written chunks (spec.md §6): a local
// file, or the USB host-protocol frame described in framing.go.
type Sink interface {
	Put(chunk []byte) error
	Finalize() error
}

// HashAlgorithm selects the running digest computed over the stream as
// it is written, independent of any hash-tree verification (spec.md
// §4.13) — CRC-32 for a quick integrity check, SHA-256 for a
// verifiable one. Neither pkg/crypto helper is incremental, so the
// streaming digest here is computed directly against the standard
// library's hash.Hash implementations instead of buffering the whole
// stream to call pkg/crypto's one-shot SHA256/CRC32.
type HashAlgorithm int

const (
	HashNone HashAlgorithm = iota
	HashCRC32
	HashSHA256
)

func newHasher(algo HashAlgorithm) hash.Hash {
	switch algo {
	case HashCRC32:
		return crc32.NewIEEE()
	case HashSHA256:
		return sha256.New()
	default:
		return nil
	}
}

// Options configures one Run.
type Options struct {
	ChunkSize int // defaults to 4 MiB if zero, matching the source's transfer granularity (spec.md §4.13)
	Patchers  []Patcher
	Hash      HashAlgorithm
}

const defaultChunkSize = 4 << 20

// Result reports the outcome of a completed Run.
type Result struct {
	BytesWritten int64
	Digest       []byte // nil unless Options.Hash != HashNone
}

type chunk struct {
	data []byte
	at   int64
}

// Run reads totalSize bytes from src in Options.ChunkSize pieces,
// applying every Patcher to each chunk before handing it to a capacity-1
// channel a separate writer goroutine drains into sink (spec.md §4.13).
// Either goroutine's error, or ctx's cancellation, stops both sides: the
// reader drains/exits and wakes the writer by closing the channel; the
// writer's error is observed by the reader via the shared errCh.
func Run(ctx context.Context, src Source, totalSize int64, sink Sink, opts Options) (Result, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	ch := make(chan chunk, 1)
	writerErrCh := make(chan error, 1)
	hasher := newHasher(opts.Hash)

	go func() {
		var written int64
		defer close(writerErrCh)
		for c := range ch {
			if hasher != nil {
				hasher.Write(c.data)
			}
			if err := sink.Put(c.data); err != nil {
				writerErrCh <- &nxerr.IoError{Source: err}
				return
			}
			written += int64(len(c.data))
		}
		if ctx.Err() != nil {
			writerErrCh <- &nxerr.Cancelled{}
			return
		}
		if err := sink.Finalize(); err != nil {
			writerErrCh <- &nxerr.IoError{Source: err}
			return
		}
		writerErrCh <- nil
		_ = written
	}()

	var bytesRead int64
	var readErr error
readLoop:
	for bytesRead < totalSize {
		select {
		case <-ctx.Done():
			readErr = &nxerr.Cancelled{}
			break readLoop
		case werr := <-writerErrCh:
			// Writer stage failed before the reader finished; stop
			// pulling more data and surface its error.
			readErr = werr
			break readLoop
		default:
		}

		n := chunkSize
		if remaining := totalSize - bytesRead; int64(n) > remaining {
			n = int(remaining)
		}
		buf := make([]byte, n)
		read, err := src.ReadAt(buf, bytesRead)
		if err != nil && err != io.EOF {
			readErr = &nxerr.IoError{Source: err}
			break
		}
		buf = buf[:read]

		for _, p := range opts.Patchers {
			p.Apply(buf, bytesRead)
		}

		select {
		case ch <- chunk{data: buf, at: bytesRead}:
		case <-ctx.Done():
			readErr = &nxerr.Cancelled{}
			break readLoop
		}

		bytesRead += int64(read)
		if read == 0 {
			break
		}
	}
	close(ch)

	writerErr := <-writerErrCh
	if readErr != nil {
		return Result{BytesWritten: bytesRead}, readErr
	}
	if writerErr != nil {
		return Result{BytesWritten: bytesRead}, writerErr
	}

	result := Result{BytesWritten: bytesRead}
	if hasher != nil {
		result.Digest = hasher.Sum(nil)
	}
	return result, nil
}
