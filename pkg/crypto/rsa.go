// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// PublicExponent is the fixed RSA public exponent used for the CA header
// signature, per spec.md §9.
const PublicExponent = 0x010001

// RSAPSSVerifySHA256 verifies an RSA-2048-PSS signature over data's
// SHA-256 digest, following the same crypto/rsa.VerifyPSS call the
// teacher's platform-signature package uses directly rather than
// reimplementing PSS padding.
func RSAPSSVerifySHA256(modulus []byte, signature, data []byte) error {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: PublicExponent}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, nil); err != nil {
		return &nxerr.SignatureMismatch{Where: "rsa-pss-sha256", Err: err}
	}
	return nil
}

// RSAOAEPDecryptSHA256 decrypts input with RSA-OAEP/SHA-256 using the
// modulus and private exponent supplied, the fixed PublicExponent, and
// the given label (empty for ticket personalization).
func RSAOAEPDecryptSHA256(modulus, privExp []byte, label, input []byte) ([]byte, error) {
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: PublicExponent},
		D:         new(big.Int).SetBytes(privExp),
	}
	priv.Precompute()
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, input, label)
	if err != nil {
		return nil, &nxerr.CryptoError{Source: err}
	}
	return plaintext, nil
}
