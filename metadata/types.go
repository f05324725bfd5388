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
	"encoding/json"
	"sync"
	"time"
)

// Roles is the generic type constraint satisfied by the four TUF
// Signed bodies.
type Roles interface {
	RootType | SnapshotType | TimestampType | TargetsType
}

// SPECIFICATION_VERSION is the TUF specification version this client
// implements the client workflow of. Only the major component is
// enforced against metadata read off the wire.
const SPECIFICATION_VERSION = "1.0.31"

// Top-level role names, fixed by the specification.
const (
	ROOT      = "root"
	SNAPSHOT  = "snapshot"
	TARGETS   = "targets"
	TIMESTAMP = "timestamp"
)

// Recognized public key types and their default signing schemes.
const (
	KeyTypeECDSA_SHA2_P256 = "ecdsa"
	KeyTypeEd25519         = "ed25519"
	KeyTypeRSA             = "rsa"

	KeySchemeECDSA_SHA2_NISTP256 = "ecdsa-sha2-nistp256"
	KeySchemeEd25519             = "ed25519"
	KeySchemeRSASSA_PSS_SHA256   = "rsassa-pss-sha256"
)

// HashAlgorithms is the fixed pair of digest algorithms a conformant
// key or metadata file may advertise. A key whose
// keyid_hash_algorithms is not exactly this list is rejected at parse
// time; a file hash under any other algorithm name parses, and then
// fails verification in verifyHashes.
var HashAlgorithms = []string{"sha256", "sha512"}

// Metadata[T Roles] represents a signature envelope around one of the
// four TUF Signed bodies. CanonicalBytes is a copy of the whole
// envelope's WIRE bytes, captured when the metadata is parsed.
// Signature verification does not read it: VerifyDelegate checks
// signatures over the canonical JSON re-encoding of the decoded
// Signed value.
type Metadata[T Roles] struct {
	Signed             T              `json:"signed"`
	Signatures         []Signature    `json:"signatures"`
	UnrecognizedFields map[string]any `json:"-"`
	CanonicalBytes     []byte         `json:"-"`
}

// Signature represents one entry of the TUF "signatures" list.
type Signature struct {
	KeyID              string         `json:"keyid"`
	Signature          HexBytes       `json:"sig"`
	UnrecognizedFields map[string]any `json:"-"`
}

// RootType is the Signed portion of root metadata.
type RootType struct {
	Type               string           `json:"_type"`
	SpecVersion        string           `json:"spec_version"`
	ConsistentSnapshot bool             `json:"consistent_snapshot"`
	Version            int64            `json:"version"`
	Expires            time.Time        `json:"expires"`
	Keys               map[string]*Key  `json:"keys"`
	Roles              map[string]*Role `json:"roles"`
	UnrecognizedFields map[string]any   `json:"-"`
}

// SnapshotType is the Signed portion of snapshot metadata.
type SnapshotType struct {
	Type               string                `json:"_type"`
	SpecVersion        string                `json:"spec_version"`
	Version            int64                 `json:"version"`
	Expires            time.Time             `json:"expires"`
	Meta               map[string]MetaFiles  `json:"meta"`
	UnrecognizedFields map[string]any        `json:"-"`
}

// TimestampType is the Signed portion of timestamp metadata.
type TimestampType struct {
	Type               string               `json:"_type"`
	SpecVersion        string               `json:"spec_version"`
	Version            int64                `json:"version"`
	Expires            time.Time            `json:"expires"`
	Meta               map[string]MetaFiles `json:"meta"`
	UnrecognizedFields map[string]any       `json:"-"`
}

// TargetsType is the Signed portion of targets (top-level or
// delegated) metadata.
type TargetsType struct {
	Type               string                 `json:"_type"`
	SpecVersion        string                 `json:"spec_version"`
	Version            int64                  `json:"version"`
	Expires            time.Time              `json:"expires"`
	Targets            map[string]TargetFiles `json:"targets"`
	Delegations        *Delegations           `json:"delegations,omitempty"`
	UnrecognizedFields map[string]any         `json:"-"`
}

// Key represents a single public key entry in root or delegations.
type Key struct {
	Type               string         `json:"keytype"`
	Scheme             string         `json:"scheme"`
	Value              KeyVal         `json:"keyval"`
	KeyIDHashAlgos     []string       `json:"keyid_hash_algorithms,omitempty"`
	id                 string         `json:"-"`
	idOnce             sync.Once      `json:"-"`
	UnrecognizedFields map[string]any `json:"-"`
}

// KeyVal carries the key material. Encoding depends on Key.Type:
// hex for ECDSA/Ed25519, PEM for RSA.
type KeyVal struct {
	PublicKey          string         `json:"public"`
	UnrecognizedFields map[string]any `json:"-"`
}

// Role is a KeyThreshold record: a set of keys plus an integer
// threshold, attached to one of the four top-level role names.
type Role struct {
	KeyIDs             []string       `json:"keyids"`
	Threshold          int            `json:"threshold"`
	UnrecognizedFields map[string]any `json:"-"`
}

// HexBytes marshals to/from a lowercase hex-encoded JSON string.
type HexBytes []byte

// Hashes maps a digest algorithm name to its hex-encoded digest.
type Hashes map[string]HexBytes

// MetaFiles is a TimeSnap: a reference to another metadata file,
// pinning its version and optionally its length/hashes.
type MetaFiles struct {
	Length             int64          `json:"length,omitempty"`
	Hashes             Hashes         `json:"hashes,omitempty"`
	Version            int64          `json:"version"`
	UnrecognizedFields map[string]any `json:"-"`
}

// TargetFiles describes one entry of a Targets role's "targets" map.
type TargetFiles struct {
	Length             int64            `json:"length"`
	Hashes             Hashes           `json:"hashes"`
	Custom             *json.RawMessage `json:"custom,omitempty"`
	Path               string           `json:"-"`
	UnrecognizedFields map[string]any   `json:"-"`
}

// Delegations carries the keys and ordered role list a Targets
// metadata delegates authority to.
type Delegations struct {
	Keys               map[string]*Key `json:"keys"`
	Roles              []DelegatedRole `json:"roles,omitempty"`
	UnrecognizedFields map[string]any  `json:"-"`
}

// DelegatedRole is one entry of Delegations.Roles: a KeyThreshold, an
// ordered list of path patterns, and the terminating flag.
type DelegatedRole struct {
	Name               string         `json:"name"`
	KeyIDs             []string       `json:"keyids"`
	Threshold          int            `json:"threshold"`
	Terminating        bool           `json:"terminating"`
	Paths              []string       `json:"paths,omitempty"`
	UnrecognizedFields map[string]any `json:"-"`
}
