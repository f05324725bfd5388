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
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Root returns a new, unsigned metadata instance of type Root.
func Root(expires ...time.Time) *Metadata[RootType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	roles := map[string]*Role{}
	for _, r := range []string{ROOT, SNAPSHOT, TARGETS, TIMESTAMP} {
		roles[r] = &Role{
			KeyIDs:    []string{},
			Threshold: 1,
		}
	}
	log.Debugf("Created a metadata of type %s expiring at %s\n", ROOT, expires[0])
	return &Metadata[RootType]{
		Signed: RootType{
			Type:               ROOT,
			SpecVersion:        SPECIFICATION_VERSION,
			Version:            1,
			Expires:            expires[0],
			Keys:               map[string]*Key{},
			Roles:              roles,
			ConsistentSnapshot: true,
		},
		Signatures: []Signature{},
	}
}

// Snapshot returns a new, unsigned metadata instance of type Snapshot.
func Snapshot(expires ...time.Time) *Metadata[SnapshotType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	log.Debugf("Created a metadata of type %s expiring at %s\n", SNAPSHOT, expires[0])
	return &Metadata[SnapshotType]{
		Signed: SnapshotType{
			Type:        SNAPSHOT,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Meta: map[string]MetaFiles{
				"targets.json": {Version: 1},
			},
		},
		Signatures: []Signature{},
	}
}

// Timestamp returns a new, unsigned metadata instance of type Timestamp.
func Timestamp(expires ...time.Time) *Metadata[TimestampType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	log.Debugf("Created a metadata of type %s expiring at %s\n", TIMESTAMP, expires[0])
	return &Metadata[TimestampType]{
		Signed: TimestampType{
			Type:        TIMESTAMP,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Meta: map[string]MetaFiles{
				"snapshot.json": {Version: 1},
			},
		},
		Signatures: []Signature{},
	}
}

// Targets returns a new, unsigned metadata instance of type Targets.
func Targets(expires ...time.Time) *Metadata[TargetsType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	log.Debugf("Created a metadata of type %s expiring at %s\n", TARGETS, expires[0])
	return &Metadata[TargetsType]{
		Signed: TargetsType{
			Type:        TARGETS,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Targets:     map[string]TargetFiles{},
		},
		Signatures: []Signature{},
	}
}

// TargetFile returns a zero-valued TargetFiles record.
func TargetFile() *TargetFiles {
	return &TargetFiles{
		Length: 0,
		Hashes: Hashes{},
	}
}

// MetaFile returns a MetaFiles record pinned to version.
func MetaFile(version int64) *MetaFiles {
	if version < 1 {
		log.Debugf("Attempting to set incorrect version of %d for MetaFile\n", version)
		version = 1
	}
	return &MetaFiles{
		Length:  0,
		Hashes:  Hashes{},
		Version: version,
	}
}

// FromFile loads and validates metadata from a local file.
func (meta *Metadata[T]) FromFile(name string) (*Metadata[T], error) {
	data, err := readFile(name)
	if err != nil {
		return nil, err
	}
	m, err := fromBytes[T](data)
	if err != nil {
		return nil, err
	}
	*meta = *m
	log.Debugf("Loaded metadata from file %s\n", name)
	return meta, nil
}

// FromBytes deserializes and validates metadata from its wire bytes.
func (meta *Metadata[T]) FromBytes(data []byte) (*Metadata[T], error) {
	m, err := fromBytes[T](data)
	if err != nil {
		return nil, err
	}
	*meta = *m
	log.Debug("Loaded metadata from bytes")
	return meta, nil
}

// ToBytes serializes metadata to bytes.
func (meta *Metadata[T]) ToBytes(pretty bool) ([]byte, error) {
	log.Debug("Writing metadata to bytes")
	if pretty {
		return json.MarshalIndent(*meta, "", "\t")
	}
	return json.Marshal(*meta)
}

// ToFile atomically writes metadata to name: it is written to a
// temporary file in the same directory first, then renamed into
// place, so a reader never observes a partially written file.
func (meta *Metadata[T]) ToFile(name string, pretty bool) error {
	log.Debugf("Writing metadata to file %s\n", name)
	data, err := meta.ToBytes(pretty)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepathDir(name), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Sign creates a signature over the canonical encoding of Signed and
// appends it to Signatures.
func (meta *Metadata[T]) Sign(signer signature.Signer) (*Signature, error) {
	payload, err := cjson.EncodeCanonical(meta.Signed)
	if err != nil {
		return nil, err
	}
	sb, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return nil, ErrUnsignedMetadata{Msg: "problem signing metadata"}
	}
	publ, err := signer.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := KeyFromPublicKey(publ)
	if err != nil {
		return nil, err
	}
	sig := &Signature{
		KeyID:     key.ID(),
		Signature: sb,
	}
	meta.Signatures = append(meta.Signatures, *sig)
	log.Infof("Signed metadata with key ID: %s\n", key.ID())
	return sig, nil
}

// VerifyDelegate verifies that delegated_metadata is signed by a
// threshold of the keys the delegator (root or targets) trusts for
// delegated_role. This is the sole entry point into the crypto oracle
// from the metadata package's own callers.
func (meta *Metadata[T]) VerifyDelegate(delegated_role string, delegated_metadata any) error {
	var keys map[string]*Key
	var roleKeyIDs []string
	var roleThreshold int
	log.Debugf("Verifying %s\n", delegated_role)

	switch i := any(meta).(type) {
	case *Metadata[RootType]:
		keys = i.Signed.Keys
		role, ok := i.Signed.Roles[delegated_role]
		if !ok {
			return ErrValue{Msg: fmt.Sprintf("no delegation found for %s", delegated_role)}
		}
		roleKeyIDs = role.KeyIDs
		roleThreshold = role.Threshold
	case *Metadata[TargetsType]:
		if i.Signed.Delegations == nil {
			return ErrValue{Msg: fmt.Sprintf("no delegation found for %s", delegated_role)}
		}
		keys = i.Signed.Delegations.Keys
		for _, v := range i.Signed.Delegations.Roles {
			if v.Name == delegated_role {
				roleKeyIDs = v.KeyIDs
				roleThreshold = v.Threshold
				break
			}
		}
	default:
		return ErrType{Msg: "call is valid only on delegator metadata (should be either root or targets)"}
	}
	if len(roleKeyIDs) == 0 {
		return ErrValue{Msg: fmt.Sprintf("no delegation found for %s", delegated_role)}
	}

	var payload []byte
	var sigsByKeyID map[string][]HexBytes
	var err error
	switch d := delegated_metadata.(type) {
	case *Metadata[RootType]:
		payload, err = cjson.EncodeCanonical(d.Signed)
		sigsByKeyID = signaturesByKeyID(d.Signatures)
	case *Metadata[SnapshotType]:
		payload, err = cjson.EncodeCanonical(d.Signed)
		sigsByKeyID = signaturesByKeyID(d.Signatures)
	case *Metadata[TimestampType]:
		payload, err = cjson.EncodeCanonical(d.Signed)
		sigsByKeyID = signaturesByKeyID(d.Signatures)
	case *Metadata[TargetsType]:
		payload, err = cjson.EncodeCanonical(d.Signed)
		sigsByKeyID = signaturesByKeyID(d.Signatures)
	default:
		return ErrType{Msg: "unknown delegated metadata type"}
	}
	if err != nil {
		return err
	}

	signingKeys := map[string]bool{}
	for _, keyID := range roleKeyIDs {
		key, ok := keys[keyID]
		if !ok {
			continue
		}
		for _, sig := range sigsByKeyID[keyID] {
			ok, err := verify(key, sig, payload)
			if err != nil {
				log.Debugf("Key material error verifying %s with key ID %s: %v\n", delegated_role, keyID, err)
				continue
			}
			if ok {
				signingKeys[keyID] = true
				log.Debugf("Verified %s with key ID %s\n", delegated_role, keyID)
				break
			}
			log.Debugf("Failed to verify %s with key ID %s\n", delegated_role, keyID)
		}
	}
	if len(signingKeys) < roleThreshold {
		log.Infof("Verifying %s failed, not enough signatures, got %d, want %d\n", delegated_role, len(signingKeys), roleThreshold)
		return ErrUnsignedMetadata{Msg: fmt.Sprintf("verifying %s failed, not enough signatures, got %d, want %d", delegated_role, len(signingKeys), roleThreshold)}
	}
	log.Infof("Verified %s successfully\n", delegated_role)
	return nil
}

// IsExpired reports whether referenceTime is after Signed.Expires.
func (signed *RootType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// IsExpired reports whether referenceTime is after Signed.Expires.
func (signed *SnapshotType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// IsExpired reports whether referenceTime is after Signed.Expires.
func (signed *TimestampType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// IsExpired reports whether referenceTime is after Signed.Expires.
func (signed *TargetsType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// VerifyLengthHashes checks data against f's length and hashes. Both
// are optional on a MetaFiles reference (spec.md 4.5): an absent
// length or hash set is simply not checked.
func (f *MetaFiles) VerifyLengthHashes(data []byte) error {
	if len(f.Hashes) > 0 {
		if err := verifyHashes(data, f.Hashes); err != nil {
			return err
		}
	}
	if f.Length != 0 {
		if err := verifyLength(data, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLengthHashes checks data against f's length and hashes. Both
// are mandatory on a TargetFiles entry.
func (f *TargetFiles) VerifyLengthHashes(data []byte) error {
	if err := verifyHashes(data, f.Hashes); err != nil {
		return err
	}
	return verifyLength(data, f.Length)
}

// FromFile populates a TargetFiles record by hashing a local file.
func (t *TargetFiles) FromFile(localPath string, hashes ...string) (*TargetFiles, error) {
	log.Debugf("Generating target file from file %s\n", localPath)
	data, err := readFile(localPath)
	if err != nil {
		return nil, err
	}
	return t.FromBytes(localPath, data, hashes...)
}

// FromBytes populates a TargetFiles record by hashing data.
func (t *TargetFiles) FromBytes(localPath string, data []byte, hashes ...string) (*TargetFiles, error) {
	log.Debugf("Generating target file from bytes %s\n", localPath)
	var hasher hash.Hash
	targetFile := &TargetFiles{
		Hashes: map[string]HexBytes{},
	}
	if len(hashes) == 0 {
		hashes = []string{"sha256"}
	}
	targetFile.Length = int64(len(data))
	for _, v := range hashes {
		switch v {
		case "sha256":
			hasher = sha256.New()
		case "sha512":
			hasher = sha512.New()
		default:
			return nil, ErrValue{Msg: fmt.Sprintf("failed generating TargetFile - unsupported hashing algorithm - %s", v)}
		}
		hasher.Write(data)
		targetFile.Hashes[v] = hasher.Sum(nil)
	}
	targetFile.Path = localPath
	return targetFile, nil
}

// ClearSignatures empties Signatures.
func (meta *Metadata[T]) ClearSignatures() {
	log.Debug("Cleared signatures")
	meta.Signatures = []Signature{}
}

// IsDelegatedPath reports whether targetFilepath is in one of the
// paths role is trusted to provide.
func (role *DelegatedRole) IsDelegatedPath(targetFilepath string) (bool, error) {
	for _, pathPattern := range role.Paths {
		ok, err := matchPath(pathPattern, targetFilepath)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// verifyLength verifies that data is exactly length bytes long.
func verifyLength(data []byte, length int64) error {
	n := int64(len(data))
	if length != n {
		return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("length verification failed - expected %d, got %d", length, n)}
	}
	return nil
}

// verifyHashes verifies that every advertised digest algorithm in
// hashes matches data exactly.
func verifyHashes(data []byte, hashes Hashes) error {
	var hasher hash.Hash
	for k, v := range hashes {
		switch k {
		case "sha256":
			hasher = sha256.New()
		case "sha512":
			hasher = sha512.New()
		default:
			return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("hash verification failed - unknown hashing algorithm - %s", k)}
		}
		hasher.Write(data)
		if hex.EncodeToString(v) != hex.EncodeToString(hasher.Sum(nil)) {
			return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("hash verification failed - mismatch for algorithm %s", k)}
		}
	}
	return nil
}

// AddKey adds key as a trusted signer of role.
func (signed *RootType) AddKey(key *Key, role string) error {
	if _, ok := signed.Roles[role]; !ok {
		return ErrValue{Msg: fmt.Sprintf("role %s doesn't exist", role)}
	}
	if !slices.Contains(signed.Roles[role].KeyIDs, key.ID()) {
		signed.Roles[role].KeyIDs = append(signed.Roles[role].KeyIDs, key.ID())
	}
	signed.Keys[key.ID()] = key
	return nil
}

// RevokeKey removes keyID from role, and from Keys if it is not used
// by any other role.
func (signed *RootType) RevokeKey(keyID, role string) error {
	if _, ok := signed.Roles[role]; !ok {
		return ErrValue{Msg: fmt.Sprintf("role %s doesn't exist", role)}
	}
	if !slices.Contains(signed.Roles[role].KeyIDs, keyID) {
		return ErrValue{Msg: fmt.Sprintf("key with id %s is not used by %s", keyID, role)}
	}
	filteredKeyIDs := []string{}
	for _, k := range signed.Roles[role].KeyIDs {
		if k != keyID {
			filteredKeyIDs = append(filteredKeyIDs, k)
		}
	}
	signed.Roles[role].KeyIDs = filteredKeyIDs
	for _, r := range signed.Roles {
		if slices.Contains(r.KeyIDs, keyID) {
			return nil
		}
	}
	delete(signed.Keys, keyID)
	return nil
}

// AddKey adds key as a trusted signer of delegated role.
func (signed *TargetsType) AddKey(key *Key, role string) error {
	if signed.Delegations == nil {
		return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
	}
	for i, d := range signed.Delegations.Roles {
		if d.Name == role {
			if !slices.Contains(d.KeyIDs, key.ID()) {
				signed.Delegations.Roles[i].KeyIDs = append(signed.Delegations.Roles[i].KeyIDs, key.ID())
				signed.Delegations.Keys[key.ID()] = key
				return nil
			}
			log.Debugf("Delegated role %s already has keyID %s\n", role, key.ID())
			return nil
		}
	}
	return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
}

// RevokeKey removes keyID from delegated role role, and from the
// delegation's Keys if it is not used by any other delegated role.
func (signed *TargetsType) RevokeKey(keyID string, role string) error {
	if signed.Delegations == nil {
		return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
	}
	for i, d := range signed.Delegations.Roles {
		if d.Name == role {
			if !slices.Contains(d.KeyIDs, keyID) {
				return ErrValue{Msg: fmt.Sprintf("key with id %s is not used by %s", keyID, role)}
			}
			filteredKeyIDs := []string{}
			for _, k := range signed.Delegations.Roles[i].KeyIDs {
				if k != keyID {
					filteredKeyIDs = append(filteredKeyIDs, k)
				}
			}
			signed.Delegations.Roles[i].KeyIDs = filteredKeyIDs
			for _, r := range signed.Delegations.Roles {
				if slices.Contains(r.KeyIDs, keyID) {
					return nil
				}
			}
			delete(signed.Delegations.Keys, keyID)
			return nil
		}
	}
	return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
}

// filepathDir returns the directory portion of name, or "." if name
// has no directory component - used to stage ToFile's temp file in
// the same directory as the final destination so the rename is atomic
// (same filesystem).
func filepathDir(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i]
		}
	}
	return "."
}
