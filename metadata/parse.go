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
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Compiled once at package init, per spec.md 4.3.
var (
	roleNameRegexp    = regexp.MustCompile(`^[0-9a-z-]+$`)
	targetPathRegexp  = regexp.MustCompile(`^[\w\-*.]+(/[\w\-*.]+)*$`)
)

// knownSignedFields lists the allowed top-level keys of the "signed"
// object for each metadata "_type", used to reject unknown keys by
// exhaustion rather than by destructively consuming a decoded map
// (spec.md 9, "Destructive parsing" redesign note).
var knownSignedFields = map[string][]string{
	ROOT:      {"_type", "spec_version", "version", "expires", "consistent_snapshot", "keys", "roles"},
	TIMESTAMP: {"_type", "spec_version", "version", "expires", "meta"},
	SNAPSHOT:  {"_type", "spec_version", "version", "expires", "meta"},
	TARGETS:   {"_type", "spec_version", "version", "expires", "targets", "delegations"},
}

var knownEnvelopeFields = []string{"signed", "signatures"}
var knownSignatureFields = []string{"keyid", "sig"}
var knownKeyFields = []string{"keytype", "scheme", "keyval", "keyid_hash_algorithms"}
var knownKeyValFields = []string{"public"}
var knownRoleFields = []string{"keyids", "threshold"}
var knownMetaFilesFields = []string{"length", "hashes", "version"}
var knownTargetFilesFields = []string{"length", "hashes", "custom"}
var knownDelegationsFields = []string{"keys", "roles"}
var knownDelegatedRoleFields = []string{"name", "keyids", "threshold", "terminating", "paths"}

// checkUnknownFields verifies that the keys actually present in obj
// are a subset of allowed. This is the "visited-keys set" strategy
// spec.md 9 calls for, rather than deleting consumed keys from obj.
func checkUnknownFields(context string, obj map[string]any, allowed []string) error {
	for k := range obj {
		if !slices.Contains(allowed, k) {
			return ErrValue{Msg: fmt.Sprintf("%s: unknown key %q", context, k)}
		}
	}
	return nil
}

func requireKey(context string, obj map[string]any, key string) (any, error) {
	v, ok := obj[key]
	if !ok {
		return nil, ErrValue{Msg: fmt.Sprintf("%s: missing key %q", context, key)}
	}
	return v, nil
}

// fromBytes decodes data into a Metadata[T], enforcing every
// constraint of spec.md 4.3, and captures the ORIGINAL bytes as
// CanonicalBytes before any further processing touches the value -
// see spec.md 4.2's "canonical bytes capture" requirement.
func fromBytes[T Roles](data []byte) (*Metadata[T], error) {
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, ErrValue{Msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := checkUnknownFields("metadata", envelope, knownEnvelopeFields); err != nil {
		return nil, err
	}
	signedRaw, err := requireKey("metadata", envelope, "signed")
	if err != nil {
		return nil, err
	}
	signedObj, ok := signedRaw.(map[string]any)
	if !ok {
		return nil, ErrType{Msg: "signed must be an object"}
	}
	if err := checkType[T](signedObj); err != nil {
		return nil, err
	}
	if err := checkSignedShape(signedObj); err != nil {
		return nil, err
	}

	meta := &Metadata[T]{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, ErrValue{Msg: fmt.Sprintf("decoding metadata: %v", err)}
	}
	meta.CanonicalBytes = append([]byte(nil), data...)

	if err := checkUniqueSignatures(*meta); err != nil {
		return nil, err
	}
	if err := checkCommonSignedConstraints(any(meta.Signed)); err != nil {
		return nil, err
	}
	return meta, nil
}

// checkType verifies that the decoded "_type" discriminator matches
// the generic instantiation T the caller asked for.
func checkType[T Roles](signed map[string]any) error {
	signedTypeRaw, err := requireKey("signed", signed, "_type")
	if err != nil {
		return err
	}
	signedType, ok := signedTypeRaw.(string)
	if !ok {
		return ErrType{Msg: "_type must be a string"}
	}
	i := any(new(T))
	switch i.(type) {
	case *RootType:
		if ROOT != signedType {
			return ErrType{Msg: fmt.Sprintf("expected type %s, got %s", ROOT, signedType)}
		}
	case *SnapshotType:
		if SNAPSHOT != signedType {
			return ErrType{Msg: fmt.Sprintf("expected type %s, got %s", SNAPSHOT, signedType)}
		}
	case *TimestampType:
		if TIMESTAMP != signedType {
			return ErrType{Msg: fmt.Sprintf("expected type %s, got %s", TIMESTAMP, signedType)}
		}
	case *TargetsType:
		if TARGETS != signedType {
			return ErrType{Msg: fmt.Sprintf("expected type %s, got %s", TARGETS, signedType)}
		}
	default:
		return ErrType{Msg: fmt.Sprintf("unrecognized metadata type %s", signedType)}
	}
	return nil
}

// checkSignedShape walks the decoded JSON tree and rejects unknown
// keys at every nesting level fixed by the specification.
func checkSignedShape(signed map[string]any) error {
	signedType, _ := signed["_type"].(string)
	allowed, ok := knownSignedFields[signedType]
	if !ok {
		return ErrValue{Msg: fmt.Sprintf("unrecognized _type %q", signedType)}
	}
	if err := checkUnknownFields("signed", signed, allowed); err != nil {
		return err
	}

	if signedType == ROOT {
		if keys, ok := signed["keys"].(map[string]any); ok {
			for kid, kv := range keys {
				keyObj, ok := kv.(map[string]any)
				if !ok {
					return ErrType{Msg: fmt.Sprintf("key %s must be an object", kid)}
				}
				if err := checkUnknownFields(fmt.Sprintf("keys[%s]", kid), keyObj, knownKeyFields); err != nil {
					return err
				}
				if kval, ok := keyObj["keyval"].(map[string]any); ok {
					if err := checkUnknownFields(fmt.Sprintf("keys[%s].keyval", kid), kval, knownKeyValFields); err != nil {
						return err
					}
				}
			}
		}
		if roles, ok := signed["roles"].(map[string]any); ok {
			for rname, rv := range roles {
				roleObj, ok := rv.(map[string]any)
				if !ok {
					return ErrType{Msg: fmt.Sprintf("role %s must be an object", rname)}
				}
				if err := checkUnknownFields(fmt.Sprintf("roles[%s]", rname), roleObj, knownRoleFields); err != nil {
					return err
				}
			}
		}
	}

	if signedType == SNAPSHOT || signedType == TIMESTAMP {
		if meta, ok := signed["meta"].(map[string]any); ok {
			for fname, mv := range meta {
				mObj, ok := mv.(map[string]any)
				if !ok {
					return ErrType{Msg: fmt.Sprintf("meta[%s] must be an object", fname)}
				}
				if err := checkUnknownFields(fmt.Sprintf("meta[%s]", fname), mObj, knownMetaFilesFields); err != nil {
					return err
				}
			}
		}
	}

	if signedType == TARGETS {
		if targets, ok := signed["targets"].(map[string]any); ok {
			for tpath, tv := range targets {
				tObj, ok := tv.(map[string]any)
				if !ok {
					return ErrType{Msg: fmt.Sprintf("targets[%s] must be an object", tpath)}
				}
				if err := checkUnknownFields(fmt.Sprintf("targets[%s]", tpath), tObj, knownTargetFilesFields); err != nil {
					return err
				}
			}
		}
		if delegations, ok := signed["delegations"].(map[string]any); ok {
			if err := checkUnknownFields("delegations", delegations, knownDelegationsFields); err != nil {
				return err
			}
			if roles, ok := delegations["roles"].([]any); ok {
				seen := map[string]bool{}
				for _, rv := range roles {
					rObj, ok := rv.(map[string]any)
					if !ok {
						return ErrType{Msg: "delegated role must be an object"}
					}
					if err := checkUnknownFields("delegations.roles[]", rObj, knownDelegatedRoleFields); err != nil {
						return err
					}
					name, _ := rObj["name"].(string)
					if seen[name] {
						return ErrValue{Msg: fmt.Sprintf("duplicate delegated role name %q", name)}
					}
					seen[name] = true
					if !roleNameRegexp.MatchString(name) {
						return ErrValue{Msg: fmt.Sprintf("invalid delegated role name %q", name)}
					}
					if paths, ok := rObj["paths"].([]any); ok {
						for _, p := range paths {
							ps, _ := p.(string)
							if !targetPathRegexp.MatchString(ps) {
								return ErrValue{Msg: fmt.Sprintf("invalid delegated path pattern %q", ps)}
							}
						}
					}
				}
			}
		}
	}

	return checkVersionSpecAndExpiry(signedType, signed)
}

func checkVersionSpecAndExpiry(signedType string, signed map[string]any) error {
	specVersionRaw, err := requireKey("signed", signed, "spec_version")
	if err != nil {
		return err
	}
	specVersion, ok := specVersionRaw.(string)
	if !ok {
		return ErrType{Msg: "spec_version must be a string"}
	}
	major := strings.SplitN(specVersion, ".", 2)[0]
	if major != "1" {
		return ErrValue{Msg: fmt.Sprintf("unsupported spec_version %q: major must be 1", specVersion)}
	}

	versionRaw, err := requireKey("signed", signed, "version")
	if err != nil {
		return err
	}
	versionFloat, ok := versionRaw.(float64)
	if !ok {
		return ErrType{Msg: "version must be a number"}
	}
	if versionFloat < 1 || versionFloat != float64(int64(versionFloat)) {
		return ErrValue{Msg: fmt.Sprintf("version %v out of range: must be a positive integer", versionFloat)}
	}

	expiresRaw, err := requireKey("signed", signed, "expires")
	if err != nil {
		return err
	}
	expiresStr, ok := expiresRaw.(string)
	if !ok {
		return ErrType{Msg: "expires must be a string"}
	}
	if _, err := time.Parse(time.RFC3339, expiresStr); err != nil {
		return ErrValue{Msg: fmt.Sprintf("expires %q is not RFC 3339 UTC: %v", expiresStr, err)}
	}

	_ = signedType
	return nil
}

// checkCommonSignedConstraints runs the per-key and per-role
// constraints that are easiest to express against the already
// type-decoded Go values rather than the raw JSON tree.
func checkCommonSignedConstraints(signed any) error {
	switch s := signed.(type) {
	case RootType:
		for kid, k := range s.Keys {
			if err := checkKeyConstraints(kid, k); err != nil {
				return err
			}
		}
	case TargetsType:
		if s.Delegations != nil {
			for kid, k := range s.Delegations.Keys {
				if err := checkKeyConstraints(kid, k); err != nil {
					return err
				}
			}
		}
		for _, tf := range s.Targets {
			if tf.Length <= 0 {
				return ErrValue{Msg: "target file length must be positive"}
			}
			if len(tf.Hashes) == 0 {
				return ErrValue{Msg: "target file must have at least one hash"}
			}
		}
	}
	return nil
}

func checkKeyConstraints(keyID string, k *Key) error {
	if k == nil {
		return ErrValue{Msg: fmt.Sprintf("key %s is nil", keyID)}
	}
	switch k.Type {
	case KeyTypeECDSA_SHA2_P256, KeyTypeEd25519, KeyTypeRSA:
	default:
		return ErrValue{Msg: fmt.Sprintf("key %s: bad-enum keytype %q", keyID, k.Type)}
	}
	switch k.Scheme {
	case KeySchemeECDSA_SHA2_NISTP256, KeySchemeEd25519, KeySchemeRSASSA_PSS_SHA256:
	default:
		return ErrValue{Msg: fmt.Sprintf("key %s: bad-enum scheme %q", keyID, k.Scheme)}
	}
	if len(k.KeyIDHashAlgos) != 2 || k.KeyIDHashAlgos[0] != "sha256" || k.KeyIDHashAlgos[1] != "sha512" {
		return ErrValue{Msg: fmt.Sprintf("key %s: keyid_hash_algorithms is required and must be [sha256, sha512]", keyID)}
	}
	return nil
}

// checkUniqueSignatures rejects a metadata file that lists the same
// keyid more than once in its signatures array.
func checkUniqueSignatures[T Roles](meta Metadata[T]) error {
	seen := map[string]bool{}
	for _, sig := range meta.Signatures {
		if seen[sig.KeyID] {
			return ErrValue{Msg: fmt.Sprintf("multiple signatures found for key ID %s", sig.KeyID)}
		}
		seen[sig.KeyID] = true
	}
	return nil
}

// signaturesByKeyID returns the keyid -> set<signature> mapping
// spec.md 4.3 describes, suitable for threshold verification.
func signaturesByKeyID(sigs []Signature) map[string][]HexBytes {
	out := map[string][]HexBytes{}
	for _, s := range sigs {
		out[s.KeyID] = append(out[s.KeyID], s.Signature)
	}
	return out
}

// formatVersion renders a version number the way filenames expect it:
// no leading zeros, decimal.
func formatVersion(v int64) string {
	return strconv.FormatInt(v, 10)
}
