// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package metadata

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
)

// ID returns the memoized keyid: the hex-encoded sha256 digest of the
// canonical JSON encoding of the key's exported fields, per the TUF
// specification's key identity rule.
func (k *Key) ID() string {
	k.idOnce.Do(func() {
		data, err := cjson.EncodeCanonical(k)
		if err != nil {
			// A key that fails to canonicalize is a programmer error -
			// keys are only ever built from already-validated material.
			k.id = ""
			return
		}
		sum := sha256.Sum256(data)
		k.id = hex.EncodeToString(sum[:])
	})
	return k.id
}

// ToPublicKey decodes Value.PublicKey into a crypto.PublicKey
// appropriate for Type, returning ErrCryptoKeyMaterial on any
// decoding failure. This is the only place key material encoding is
// interpreted.
func (k *Key) ToPublicKey() (crypto.PublicKey, error) {
	switch k.Type {
	case KeyTypeEd25519:
		raw, err := hex.DecodeString(k.Value.PublicKey)
		if err != nil {
			return nil, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("bad ed25519 hex: %v", err)}
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("bad ed25519 key length: %d", len(raw))}
		}
		return ed25519.PublicKey(raw), nil
	case KeyTypeECDSA_SHA2_P256:
		raw, err := hex.DecodeString(k.Value.PublicKey)
		if err != nil {
			return nil, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("bad ecdsa hex: %v", err)}
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), raw)
		if x == nil {
			return nil, ErrCryptoKeyMaterial{Msg: "bad ecdsa point encoding"}
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	case KeyTypeRSA:
		block, _ := pem.Decode([]byte(k.Value.PublicKey))
		if block == nil {
			return nil, ErrCryptoKeyMaterial{Msg: "bad rsa PEM block"}
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("bad rsa key: %v", err)}
		}
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrCryptoKeyMaterial{Msg: "rsa PEM did not contain an RSA public key"}
		}
		return rsaKey, nil
	default:
		return nil, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("unsupported key type: %s", k.Type)}
	}
}

// KeyFromPublicKey constructs a *Key from a crypto.PublicKey, the
// inverse of ToPublicKey, used when producing new signatures.
func KeyFromPublicKey(pub crypto.PublicKey) (*Key, error) {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		return &Key{
			Type:           KeyTypeEd25519,
			Scheme:         KeySchemeEd25519,
			KeyIDHashAlgos: HashAlgorithms,
			Value:          KeyVal{PublicKey: hex.EncodeToString(p)},
		}, nil
	case *ecdsa.PublicKey:
		raw := elliptic.Marshal(p.Curve, p.X, p.Y)
		return &Key{
			Type:           KeyTypeECDSA_SHA2_P256,
			Scheme:         KeySchemeECDSA_SHA2_NISTP256,
			KeyIDHashAlgos: HashAlgorithms,
			Value:          KeyVal{PublicKey: hex.EncodeToString(raw)},
		}, nil
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(p)
		if err != nil {
			return nil, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("marshal rsa key: %v", err)}
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		return &Key{
			Type:           KeyTypeRSA,
			Scheme:         KeySchemeRSASSA_PSS_SHA256,
			KeyIDHashAlgos: HashAlgorithms,
			Value:          KeyVal{PublicKey: string(pemBytes)},
		}, nil
	default:
		return nil, ErrCryptoKeyMaterial{Msg: "unsupported public key type"}
	}
}

// verify is the crypto oracle of spec.md 4.1: it reports whether
// sigBytes is a valid signature by key over payload. It never panics
// or returns an error for adversarial signature bytes - a bad
// signature simply verifies false. Only malformed KEY material (not
// decodable at all) is reported as an error, distinct from "did not
// verify".
func verify(key *Key, sigBytes []byte, payload []byte) (bool, error) {
	pub, err := key.ToPublicKey()
	if err != nil {
		return false, err
	}
	hashFunc := crypto.SHA256
	if key.Type == KeyTypeEd25519 {
		hashFunc = crypto.Hash(0)
	}
	verifier, err := signature.LoadVerifier(pub, hashFunc)
	if err != nil {
		return false, ErrCryptoKeyMaterial{Msg: fmt.Sprintf("loading verifier: %v", err)}
	}
	if err := verifier.VerifySignature(bytes.NewReader(sigBytes), bytes.NewReader(payload)); err != nil {
		return false, nil
	}
	return true, nil
}
