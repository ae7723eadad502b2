// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package keyset

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	kaekNameRE     = regexp.MustCompile(`^key_area_key_(application|ocean|system)_([0-9a-f]{2})$`)
	titlekekNameRE = regexp.MustCompile(`^titlekek_([0-9a-f]{2})$`)
)

var kaekFamilyByName = map[string]KAEKIndex{
	"application": KAEKApplication,
	"ocean":       KAEKOcean,
	"system":      KAEKSystem,
}

// LoadKeyFile parses a "name = hexvalue" host key file, the on-disk
// compatibility format consumed verbatim (spec.md §6), and returns a
// populated Keyset. Unrecognized lines are ignored rather than rejected,
// since a single key file commonly carries many keys this pipeline does
// not need (package-content keys, device-unique keys, etc).
func LoadKeyFile(r io.Reader) (*Keyset, error) {
	ks := New()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch {
		case name == "header_key":
			raw, err := ParseHexKey(value, 32)
			if err != nil {
				return nil, fmt.Errorf("keyset: line %d: %w", lineNo, err)
			}
			var key [32]byte
			copy(key[:], raw)
			ks.SetHeaderKey(key)

		case name == "eticket_rsa_kek":
			raw, err := ParseHexKey(value, 16)
			if err != nil {
				return nil, fmt.Errorf("keyset: line %d: %w", lineNo, err)
			}
			var key [16]byte
			copy(key[:], raw)
			ks.SetETicketRSAKek(key)

		case kaekNameRE.MatchString(name):
			m := kaekNameRE.FindStringSubmatch(name)
			gen, err := strconv.ParseInt(m[2], 16, 32)
			if err != nil {
				return nil, fmt.Errorf("keyset: line %d: bad generation: %w", lineNo, err)
			}
			raw, err := ParseHexKey(value, 16)
			if err != nil {
				return nil, fmt.Errorf("keyset: line %d: %w", lineNo, err)
			}
			var key [16]byte
			copy(key[:], raw)
			ks.SetKAEK(kaekFamilyByName[m[1]], int(gen), key)

		case titlekekNameRE.MatchString(name):
			m := titlekekNameRE.FindStringSubmatch(name)
			gen, err := strconv.ParseInt(m[1], 16, 32)
			if err != nil {
				return nil, fmt.Errorf("keyset: line %d: bad generation: %w", lineNo, err)
			}
			raw, err := ParseHexKey(value, 16)
			if err != nil {
				return nil, fmt.Errorf("keyset: line %d: %w", lineNo, err)
			}
			var key [16]byte
			copy(key[:], raw)
			ks.SetTitlekek(int(gen), key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ks, nil
}
