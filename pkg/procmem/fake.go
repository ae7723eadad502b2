// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmem

import "github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"

// FakeSegment is one region a FakeDebugService reports for a process.
type FakeSegment struct {
	Info MemoryInfo
	Data []byte
}

// FakeDebugService is a DebugService test double backed entirely by
// in-memory fixtures — no real debug-SVC runtime is available to test
// against (spec.md §4.12), so this plays the role the teacher's
// byte-slice-backed flash fixture plays for pkg/fsp.
type FakeDebugService struct {
	// Processes maps program id to (process id, segments). A program id
	// absent from this map is treated as not currently running.
	Processes map[uint64]FakeProcess
	// DenyAttach, if true, makes every Attach call fail, modeling the
	// runtime refusing the debug capability outright.
	DenyAttach bool
}

// FakeProcess is one running process's fixture: its process id and the
// ordered memory regions QueryMemory walks.
type FakeProcess struct {
	ProcessID uint64
	Segments  []FakeSegment
}

func (f *FakeDebugService) ResolveProcessID(programID uint64) (uint64, error) {
	p, ok := f.Processes[programID]
	if !ok {
		return 0, nxerr.NewNotFound("program not running")
	}
	return p.ProcessID, nil
}

func (f *FakeDebugService) Attach(processID uint64) (DebugHandle, error) {
	if f.DenyAttach {
		return nil, &nxerr.DebugSvcUnavailable{Where: "fake.attach", Err: errDenied}
	}
	for _, p := range f.Processes {
		if p.ProcessID == processID {
			return &fakeHandle{segments: p.Segments}, nil
		}
	}
	return nil, nxerr.NewNotFound("process id")
}

type fakeHandle struct {
	segments []FakeSegment
	detached bool
}

func (h *fakeHandle) QueryMemory(address uint64) (MemoryInfo, bool, error) {
	for _, s := range h.segments {
		if s.Info.BaseAddress >= address {
			return s.Info, true, nil
		}
	}
	return MemoryInfo{}, false, nil
}

func (h *fakeHandle) ReadMemory(address uint64, out []byte) error {
	for _, s := range h.segments {
		if s.Info.BaseAddress == address {
			copy(out, s.Data)
			return nil
		}
	}
	return nxerr.NewNotFound("memory region")
}

func (h *fakeHandle) Detach() error {
	h.detached = true
	return nil
}

var errDenied = nxerr.NewInvalidArgument("fake debug service", nil)
