// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ticket implements the rights-id to titlekey store (spec.md
// §4.3): it scans the common and personalized ticket save images, unwraps
// personalized titlekeys with the eticket RSA device key, and caches
// results behind a single process-wide mutex, mirroring the teacher's
// KeySet container (pkg/amd/psb/keyset.go) in shape — a table built
// incrementally from loaders, then queried many times.
package ticket

import (
	"sync"

	"github.com/DarkMatterCore/nxdumptool-core/internal/ncalog"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/contentid"
	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// Record layout offsets within a fixed-size ticket record, as persisted
// verbatim in both save images and the cartridge ticket file (spec.md
// §9: "ticket save format ... consumed verbatim from the source and
// treated as compatibility constraints").
const (
	Size = 0x2c0

	sigTypeOffset           = 0x000
	sigOffset               = 0x004
	sigSize                 = 0x100
	issuerOffset            = 0x140
	issuerSize              = 0x40
	titlekeyBlockOffset     = 0x180
	titlekeyBlockSize       = 0x100
	formatVersionOffset     = 0x280
	titlekeyTypeOffset      = 0x281
	masterKeyRevisionOffset = 0x284
	ticketIDOffset          = 0x290
	deviceIDOffset          = 0x298
	rightsIDOffset          = 0x2a0
	accountIDOffset         = 0x2b0
)

// TitlekeyType selects how a record's titlekey block is unwrapped.
type TitlekeyType uint8

const (
	TitlekeyCommon       TitlekeyType = 0
	TitlekeyPersonalized TitlekeyType = 1
)

// Titlekey is a decrypted 128-bit content titlekey.
type Titlekey [16]byte

// record is a parsed, not-yet-decrypted ticket.
type record struct {
	rightsID          contentid.ID
	titlekeyType      TitlekeyType
	masterKeyRevision int
	titlekeyBlock     [titlekeyBlockSize]byte
}

func parseRecord(raw []byte) (record, error) {
	if len(raw) < Size {
		return record{}, &nxerr.MalformedImage{Where: "ticket.record", Err: errShortRecord(len(raw))}
	}
	var rec record
	copy(rec.rightsID[:], raw[rightsIDOffset:rightsIDOffset+contentid.Size])
	rec.titlekeyType = TitlekeyType(raw[titlekeyTypeOffset])
	rec.masterKeyRevision = int(raw[masterKeyRevisionOffset])
	copy(rec.titlekeyBlock[:], raw[titlekeyBlockOffset:titlekeyBlockOffset+titlekeyBlockSize])
	return rec, nil
}

// CartridgeSource looks up a raw, Size-byte ticket record for rightsID
// inside a cartridge's hash-filesystem ticket file. Store never reads
// cartridge storage directly — C7/C8 readers supply the bytes.
type CartridgeSource interface {
	Lookup(rightsID contentid.ID) (rec []byte, ok bool)
}

// Store is the process-wide ticket cache (spec.md §4.3, §9 "global
// process-wide mutex around the ticket cache"). The zero value is not
// usable; construct with New.
type Store struct {
	ks *keyset.Keyset

	mu           sync.Mutex
	common       []record
	personalized []record
	cache        map[contentid.ID]Titlekey
	cartridge    CartridgeSource

	deviceKeyModulus []byte
	deviceKeyPrivExp []byte
	hasDeviceKey     bool
}

// New returns an empty Store backed by ks for titlekek/eticket-kek lookups.
func New(ks *keyset.Keyset) *Store {
	return &Store{ks: ks, cache: make(map[contentid.ID]Titlekey)}
}

// SetCartridgeSource installs the lookup used when get() is called with
// allowCartridgeLookup=true and no persisted ticket matches.
func (s *Store) SetCartridgeSource(src CartridgeSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cartridge = src
}

// LoadCommonSave scans data as a sequence of Size-byte slots, the on-disk
// layout of the common ticket save (spec.md §9 compatibility constraint).
// All-zero slots are treated as unused and skipped.
func (s *Store) LoadCommonSave(data []byte) error {
	recs, err := scanSave(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.common = recs
	return nil
}

// LoadPersonalizedSave scans data the same way as LoadCommonSave, for the
// personalized ticket save.
func (s *Store) LoadPersonalizedSave(data []byte) error {
	recs, err := scanSave(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personalized = recs
	return nil
}

func scanSave(data []byte) ([]record, error) {
	var recs []record
	for off := 0; off+Size <= len(data); off += Size {
		slot := data[off : off+Size]
		if isZero(slot) {
			continue
		}
		rec, err := parseRecord(slot)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// SetDeviceKey installs the console-specific eticket RSA device key.
// encryptedPrivExp is the 256-byte private exponent as persisted in the
// calibration partition, AES-128-ECB encrypted with the keyset's
// eticket_rsa_kek (spec.md §4.3: "obtained by decrypting a blob from the
// calibration partition with a separately-derived key"); modulus is
// carried alongside in cleartext since it is not secret.
func (s *Store) SetDeviceKey(modulus, encryptedPrivExp []byte) error {
	kek, err := s.ks.ETicketRSAKek()
	if err != nil {
		return err
	}
	if len(encryptedPrivExp)%16 != 0 {
		return &nxerr.InvalidArgument{Where: "ticket.SetDeviceKey", Err: errBadPrivExpLen(len(encryptedPrivExp))}
	}
	privExp := make([]byte, len(encryptedPrivExp))
	if err := nxcrypto.AESECB(kek[:], encryptedPrivExp, privExp, false); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceKeyModulus = append([]byte(nil), modulus...)
	s.deviceKeyPrivExp = privExp
	s.hasDeviceKey = true
	return nil
}

// Get resolves the titlekey for rightsID, consulting the cache first,
// then the common save, then the personalized save, then (if
// allowCartridgeLookup) the cartridge source. One mutex guards the whole
// operation; per-id locking is not worth the complexity given the small
// cardinality of concurrent lookups (spec.md §4.3).
func (s *Store) Get(rightsID contentid.ID, generation int, allowCartridgeLookup bool) (Titlekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tk, ok := s.cache[rightsID]; ok {
		return tk, nil
	}

	if rec, ok := findRecord(s.common, rightsID); ok {
		tk, err := s.unwrap(rec, generation)
		if err != nil {
			return Titlekey{}, err
		}
		s.cache[rightsID] = tk
		return tk, nil
	}

	if rec, ok := findRecord(s.personalized, rightsID); ok {
		tk, err := s.unwrap(rec, generation)
		if err != nil {
			return Titlekey{}, err
		}
		s.cache[rightsID] = tk
		return tk, nil
	}

	if allowCartridgeLookup && s.cartridge != nil {
		if raw, ok := s.cartridge.Lookup(rightsID); ok {
			rec, err := parseRecord(raw)
			if err != nil {
				return Titlekey{}, err
			}
			tk, err := s.unwrap(rec, generation)
			if err != nil {
				return Titlekey{}, err
			}
			s.cache[rightsID] = tk
			return tk, nil
		}
	}

	return Titlekey{}, &nxerr.NoTicket{RightsID: rightsID.String()}
}

func findRecord(recs []record, rightsID contentid.ID) (record, bool) {
	for _, r := range recs {
		if r.rightsID == rightsID {
			return r, true
		}
	}
	return record{}, false
}

func (s *Store) unwrap(rec record, generation int) (Titlekey, error) {
	if rec.masterKeyRevision != generation {
		ncalog.Warnf("ticket: master_key_revision %d differs from requested generation %d for rights id %s",
			rec.masterKeyRevision, generation, rec.rightsID)
	}

	switch rec.titlekeyType {
	case TitlekeyCommon:
		titlekek, err := s.ks.Titlekek(generation)
		if err != nil {
			return Titlekey{}, err
		}
		var tk Titlekey
		if err := nxcrypto.AESECB(titlekek[:], rec.titlekeyBlock[:16], tk[:], false); err != nil {
			return Titlekey{}, err
		}
		return tk, nil

	case TitlekeyPersonalized:
		if !s.hasDeviceKey {
			return Titlekey{}, &nxerr.PersonalizedTicketUnavailable{RightsID: rec.rightsID.String()}
		}
		plain, err := nxcrypto.RSAOAEPDecryptSHA256(s.deviceKeyModulus, s.deviceKeyPrivExp, nil, rec.titlekeyBlock[:])
		if err != nil {
			return Titlekey{}, &nxerr.PersonalizedTicketUnavailable{RightsID: rec.rightsID.String(), Err: err}
		}
		if len(plain) != 16 {
			return Titlekey{}, &nxerr.PersonalizedTicketUnavailable{RightsID: rec.rightsID.String(), Err: errBadUnwrapLen(len(plain))}
		}
		var tk Titlekey
		copy(tk[:], plain)
		return tk, nil

	default:
		return Titlekey{}, &nxerr.MalformedImage{Where: "ticket.titlekey_type", Err: errBadTitlekeyType(byte(rec.titlekeyType))}
	}
}
