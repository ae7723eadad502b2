// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procmem reads the code segments of a running program out of
// the target's debug memory space (spec.md §4.12): bootstrap-only
// collaborator used to recover a program's in-memory image when no
// installed NCA carries it. The runtime's debug service is modeled as a
// narrow interface so production code never depends on a concrete
// platform binding, the way pkg/fsp's transport abstraction lets
// pkg/intel's FSP loader run against either a real flash part or a
// byte-slice fixture.
package procmem

import (
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// SegmentKind distinguishes the memory segment kinds this reader cares
// about (spec.md §4.12); every other kind is skipped during collection.
type SegmentKind int

const (
	SegmentCodeStatic SegmentKind = iota
	SegmentCodeMutable
)

// Permission is the page protection bitmask reported by the debug
// service for a memory region.
type Permission uint32

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
)

// Attribute flags a region as something procmem must never collect
// (uncached device memory, IPC buffers, etc.) even if its kind/perms
// otherwise match (spec.md §4.12).
type Attribute uint32

const attributeNone Attribute = 0

// MemoryInfo describes one mapped region of the target process, as
// reported by a debug-service memory query.
type MemoryInfo struct {
	BaseAddress uint64
	Size        uint64
	Kind        SegmentKind
	Permission  Permission
	Attribute   Attribute
}

func (m MemoryInfo) eligible() bool {
	if m.Kind != SegmentCodeStatic && m.Kind != SegmentCodeMutable {
		return false
	}
	if m.Permission&PermRead == 0 {
		return false
	}
	return m.Attribute == attributeNone
}

// DebugService is the capability surface procmem needs from the
// runtime: resolving a program id to a process id, attaching a debug
// handle, enumerating that process's memory map, and reading bytes out
// of it (spec.md §4.12). A real binding satisfies this against the
// platform's debug SVCs; tests satisfy it with a FakeDebugService.
type DebugService interface {
	// ResolveProcessID maps a program id to its running process id, or
	// returns NotFound if the program isn't currently running.
	ResolveProcessID(programID uint64) (processID uint64, err error)
	// Attach opens a debug handle for processID. Callers must Detach it.
	Attach(processID uint64) (handle DebugHandle, err error)
}

// DebugHandle is a live attachment to one target process.
type DebugHandle interface {
	// QueryMemory enumerates every mapped region starting at or after
	// address, returning io.EOF-equivalent via ok=false once the address
	// space is exhausted.
	QueryMemory(address uint64) (info MemoryInfo, ok bool, err error)
	ReadMemory(address uint64, out []byte) error
	Detach() error
}

// storageProgramID identifies the Switch storage subsystem's sysmodule,
// which ships two separate CodeStatic text segments rather than one
// (spec.md §4.12 special case).
const storageProgramID = 0x0100000000000032

// Read attaches to programID's running process, walks its memory map in
// address order and returns the bytes of the first eligible
// CodeStatic/CodeMutable region, or the first two concatenated for
// storageProgramID (spec.md §4.12). Eligible regions after those are
// not read. Returns
// DebugSvcUnavailable if the runtime denies the required capabilities.
func Read(svc DebugService, programID uint64) ([]byte, error) {
	processID, err := svc.ResolveProcessID(programID)
	if err != nil {
		return nil, err
	}

	handle, err := svc.Attach(processID)
	if err != nil {
		return nil, &nxerr.DebugSvcUnavailable{Where: "procmem.attach", Err: err}
	}
	defer handle.Detach()

	maxSegments := 1
	if programID == storageProgramID {
		maxSegments = 2
	}

	var out []byte
	address := uint64(0)
	segmentsFound := 0
	for segmentsFound < maxSegments {
		info, ok, err := handle.QueryMemory(address)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if info.eligible() {
			buf := make([]byte, info.Size)
			if err := handle.ReadMemory(info.BaseAddress, buf); err != nil {
				return nil, err
			}
			out = append(out, buf...)
			segmentsFound++
			if segmentsFound >= maxSegments {
				break
			}
		}
		address = info.BaseAddress + info.Size
	}
	return out, nil
}
