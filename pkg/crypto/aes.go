// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crypto implements the pure cryptographic primitives consumed by
// the content pipeline: AES-128 in ECB/CTR/XTS, SHA-256/SHA3-256, RSA-PSS
// verification, RSA-OAEP decryption and CRC-32. Every routine here is a
// pure function of its inputs; none of them retain state between calls.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// XTSSectorSize is the fixed sector size used for AES-XTS across the
// content pipeline (NCA0 headers and section data).
const XTSSectorSize = 0x200

// AESECB runs AES-128-ECB over in, writing the result to out. in and out
// must be the same length and a multiple of the AES block size; out may
// alias in.
func AESECB(key, in, out []byte, encrypt bool) error {
	if len(key) != 16 {
		return &nxerr.CryptoError{Source: errInvalidKeyLen(len(key))}
	}
	if len(in) != len(out) || len(in)%aes.BlockSize != 0 {
		return &nxerr.CryptoError{Source: errBadBlockLen(len(in))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return &nxerr.CryptoError{Source: err}
	}
	for off := 0; off < len(in); off += aes.BlockSize {
		chunk := in[off : off+aes.BlockSize]
		dst := out[off : off+aes.BlockSize]
		if encrypt {
			block.Encrypt(dst, chunk)
		} else {
			block.Decrypt(dst, chunk)
		}
	}
	return nil
}

// CTRInitPartial builds a 16-byte CTR counter from an 8-byte section IV
// (the upper half) and an absolute byte offset: the low 8 bytes become
// big-endian (offset >> 4), per the section's per-block counter scheme.
func CTRInitPartial(ctr *[16]byte, upperIV [8]byte, absOffset int64) {
	copy(ctr[:8], upperIV[:])
	binary.BigEndian.PutUint64(ctr[8:], uint64(absOffset)>>4)
}

// CTRInitPartialEx builds a 16-byte CTR-EX counter: the high 4 bytes carry
// the big-endian generation, the next 4 bytes are zero, and the low 8
// bytes are the block counter, per §4.4's CTR-EX entry scheme.
func CTRInitPartialEx(ctr *[16]byte, generation uint32, absOffset int64) {
	binary.BigEndian.PutUint32(ctr[0:4], generation)
	for i := 4; i < 8; i++ {
		ctr[i] = 0
	}
	binary.BigEndian.PutUint64(ctr[8:], uint64(absOffset)>>4)
}

// AESCTR applies AES-128-CTR over in using key and the given 16-byte
// initial counter block, writing len bytes into out. The counter block is
// not mutated; the stream is seeked to the byte offset implied by the
// counter's low bits being block-aligned by the caller (CTRInitPartial
// already encodes the absolute offset divided by the block size, so the
// stream always starts at a block boundary from the cipher's point of
// view).
func AESCTR(key []byte, iv [16]byte, in, out []byte) error {
	if len(key) != 16 {
		return &nxerr.CryptoError{Source: errInvalidKeyLen(len(key))}
	}
	if len(out) < len(in) {
		return &nxerr.CryptoError{Source: errBadBlockLen(len(out))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return &nxerr.CryptoError{Source: err}
	}
	stream := cipher.NewCTR(block, iv[:])
	stream.XORKeyStream(out[:len(in)], in)
	return nil
}

// gfMulXTS multiplies a 16-byte XTS tweak by the primitive element alpha
// (x) in GF(2^128), using the polynomial x^128+x^7+x^2+x+1, little-endian
// byte order as specified by IEEE P1619.
func gfMulXTS(tweak *[16]byte) {
	var carryIn byte
	for i := 0; i < 16; i++ {
		carryOut := tweak[i] >> 7
		tweak[i] = (tweak[i] << 1) | carryIn
		carryIn = carryOut
	}
	if carryIn != 0 {
		tweak[0] ^= 0x87
	}
}

// AESXTSCrypt encrypts or decrypts in into out using AES-XTS with the two
// given 128-bit subkeys. sector is the absolute sector index (not byte
// offset); sectorSize must equal XTSSectorSize and len(in) a multiple of
// it, since the section layer always operates on whole sectors.
func AESXTSCrypt(key1, key2 []byte, sector uint64, sectorSize int, in, out []byte, encrypt bool) error {
	if sectorSize != XTSSectorSize {
		return &nxerr.CryptoError{Source: errBadSectorSize(sectorSize)}
	}
	if len(key1) != 16 || len(key2) != 16 {
		return &nxerr.CryptoError{Source: errInvalidKeyLen(len(key1))}
	}
	if len(in) != len(out) || len(in)%sectorSize != 0 {
		return &nxerr.CryptoError{Source: errBadBlockLen(len(in))}
	}

	dataBlock, err := aes.NewCipher(key1)
	if err != nil {
		return &nxerr.CryptoError{Source: err}
	}
	tweakBlock, err := aes.NewCipher(key2)
	if err != nil {
		return &nxerr.CryptoError{Source: err}
	}

	nSectors := len(in) / sectorSize
	for s := 0; s < nSectors; s++ {
		var tweakInput [16]byte
		binary.LittleEndian.PutUint64(tweakInput[:8], sector+uint64(s))
		var tweak [16]byte
		tweakBlock.Encrypt(tweak[:], tweakInput[:])

		sectorIn := in[s*sectorSize : (s+1)*sectorSize]
		sectorOut := out[s*sectorSize : (s+1)*sectorSize]
		for off := 0; off < sectorSize; off += aes.BlockSize {
			var block [16]byte
			for i := 0; i < 16; i++ {
				block[i] = sectorIn[off+i] ^ tweak[i]
			}
			if encrypt {
				dataBlock.Encrypt(block[:], block[:])
			} else {
				dataBlock.Decrypt(block[:], block[:])
			}
			for i := 0; i < 16; i++ {
				sectorOut[off+i] = block[i] ^ tweak[i]
			}
			gfMulXTS(&tweak)
		}
	}
	return nil
}
