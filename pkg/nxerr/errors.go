// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nxerr defines the flat error taxonomy shared by every layer of
// the content pipeline. Layers return the deepest error they observe and
// never wrap it in a broader category; callers use errors.As to recover
// the concrete kind they care about.
package nxerr

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// InvalidArgument indicates a programmer error: a precondition the caller
// was responsible for was violated.
type InvalidArgument struct {
	Where string
	Err   error
}

func (e *InvalidArgument) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid argument in %s: %s", e.Where, e.Err)
	}
	return fmt.Sprintf("invalid argument in %s", e.Where)
}

func (e *InvalidArgument) Unwrap() error { return e.Err }

// NewInvalidArgument builds an InvalidArgument error.
func NewInvalidArgument(where string, err error) *InvalidArgument {
	return &InvalidArgument{Where: where, Err: err}
}

// MalformedImage indicates a header/magic/size check failed.
type MalformedImage struct {
	Where string
	Err   error
}

func (e *MalformedImage) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed image at %s: %s", e.Where, e.Err)
	}
	return fmt.Sprintf("malformed image at %s", e.Where)
}

func (e *MalformedImage) Unwrap() error { return e.Err }

// NewMalformedImage builds a MalformedImage error.
func NewMalformedImage(where string, err error) *MalformedImage {
	return &MalformedImage{Where: where, Err: err}
}

// MissingKey indicates the keyset could not satisfy a lookup.
type MissingKey struct {
	Kind       string
	Index      int
	Generation int
}

func (e *MissingKey) Error() string {
	return fmt.Sprintf("missing key %q (index=%d, generation=%d)", e.Kind, e.Index, e.Generation)
}

// UnknownKeygen indicates a key-generation byte outside the supported range.
type UnknownKeygen struct {
	Value int
}

func (e *UnknownKeygen) Error() string {
	return fmt.Sprintf("unknown key generation %d", e.Value)
}

// SignatureMismatch indicates an RSA-PSS verification failed.
type SignatureMismatch struct {
	Where string
	Err   error
}

func (e *SignatureMismatch) Error() string {
	return fmt.Sprintf("signature mismatch at %s: %s", e.Where, e.Err)
}

func (e *SignatureMismatch) Unwrap() error { return e.Err }

// HashMismatch indicates a SHA-256/SHA3-256 comparison failed.
type HashMismatch struct {
	Where    string
	Expected []byte
	Actual   []byte
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch at %s: expected %x, got %x", e.Where, e.Expected, e.Actual)
}

// CryptoError wraps a primitive failure that should not happen under
// correct use (bad key length, unsupported sector size, etc).
type CryptoError struct {
	Source error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto: %s", e.Source) }
func (e *CryptoError) Unwrap() error { return e.Source }

// IoError passes through a failure from the content provider or sink.
type IoError struct {
	Source error
}

func (e *IoError) Error() string { return fmt.Sprintf("io: %s", e.Source) }
func (e *IoError) Unwrap() error { return e.Source }

// UnsupportedLayer indicates the hash-tree patcher refused to run on a
// hash-tree layout it cannot patch (no levels, or a level with a zero
// block size). The patcher does not check a section for sparse or
// compressed layers.
type UnsupportedLayer struct {
	Reason string
}

func (e *UnsupportedLayer) Error() string { return fmt.Sprintf("unsupported layer: %s", e.Reason) }

// UnsupportedCombination is raised for the NCA0+sparse combination the
// source leaves unspecified (see spec.md §9 Open Question).
type UnsupportedCombination struct {
	Reason string
}

func (e *UnsupportedCombination) Error() string {
	return fmt.Sprintf("unsupported combination: %s", e.Reason)
}

// OutOfRange indicates a read past the end of a storage, or a negative
// relative offset.
type OutOfRange struct {
	Offset int64
	Length int64
	Extent int64
}

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("out of range: read [%s, %s) exceeds extent of %s",
		humanize.Comma(e.Offset), humanize.Comma(e.Offset+e.Length), humanize.Comma(e.Extent))
}

// Cancelled indicates a cooperative cancellation was honored.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "cancelled" }

// HostProtocol indicates the USB host rejected a command.
type HostProtocol struct {
	Status uint32
}

func (e *HostProtocol) Error() string { return fmt.Sprintf("host protocol error: status=%d", e.Status) }

// NotFound indicates a named entry could not be located in a filesystem
// table (PFS entry, RoIFS directory/file, content-meta content id).
type NotFound struct {
	What string
}

func (e *NotFound) Error() string { return fmt.Sprintf("not found: %s", e.What) }

// NewNotFound builds a NotFound error.
func NewNotFound(what string) *NotFound { return &NotFound{What: what} }

// PersonalizedTicketUnavailable indicates a personalized ticket's titlekey
// block could not be unwrapped because the eticket device key is missing
// or the calibration-partition blob could not be decrypted.
type PersonalizedTicketUnavailable struct {
	RightsID string
	Err      error
}

func (e *PersonalizedTicketUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("personalized ticket unavailable for rights id %s: %s", e.RightsID, e.Err)
	}
	return fmt.Sprintf("personalized ticket unavailable for rights id %s", e.RightsID)
}

func (e *PersonalizedTicketUnavailable) Unwrap() error { return e.Err }

// NoTicket indicates get() found no ticket covering a rights id in either
// persisted save, and cartridge lookup (if permitted) also came up empty.
type NoTicket struct {
	RightsID string
}

func (e *NoTicket) Error() string { return fmt.Sprintf("no ticket for rights id %s", e.RightsID) }

// DebugSvcUnavailable indicates the runtime denied the debug-process
// capabilities pkg/procmem needs (attach, query memory, read memory).
type DebugSvcUnavailable struct {
	Where string
	Err   error
}

func (e *DebugSvcUnavailable) Error() string {
	return fmt.Sprintf("debug service unavailable at %s: %s", e.Where, e.Err)
}

func (e *DebugSvcUnavailable) Unwrap() error { return e.Err }

// UnreferencedContent is returned by the authoring-XML emitter when a
// caller-supplied content id is not referenced by the content-meta record.
type UnreferencedContent struct {
	ContentID string
}

func (e *UnreferencedContent) Error() string {
	return fmt.Sprintf("content id %s is not referenced by the content meta", e.ContentID)
}
