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

// Package trustedmetadata is the verification state machine at the
// heart of a refresh: given already-downloaded bytes for a role, it
// decides whether those bytes may replace what is currently trusted,
// enforcing signature thresholds, version monotonicity and freeze
// checks along the way. It performs no network or disk I/O itself -
// that is the updater package's job.
package trustedmetadata

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mirostuf/tuf-client/metadata"
	"github.com/mirostuf/tuf-client/metadata/config"
)

// TrustedMetadata holds the trusted root, timestamp, snapshot and the
// targets roles (top-level and delegated) loaded so far during a
// single refresh.
type TrustedMetadata struct {
	Root      *metadata.Metadata[metadata.RootType]
	Timestamp *metadata.Metadata[metadata.TimestampType]
	Snapshot  *metadata.Metadata[metadata.SnapshotType]
	Targets   map[string]*metadata.Metadata[metadata.TargetsType]

	cfg *config.UpdaterConfig
}

// New loads the initial trusted root from rootData, verifying it
// against its own root-role KeyThreshold (self-consistency, spec.md
// 4.6.1). Expiry is deliberately not checked here.
func New(rootData []byte, cfg *config.UpdaterConfig) (*TrustedMetadata, error) {
	root := &metadata.Metadata[metadata.RootType]{}
	if _, err := root.FromBytes(rootData); err != nil {
		return nil, err
	}
	if err := root.VerifyDelegate(metadata.ROOT, root); err != nil {
		return nil, metadata.ErrArbitrarySoftware{Msg: fmt.Sprintf("initial root self-verification failed: %v", err)}
	}
	if !root.Signed.ConsistentSnapshot {
		return nil, metadata.ErrNoConsistentSnapshots{Msg: "initial root"}
	}
	log.Debugf("Loaded trusted root version %d\n", root.Signed.Version)
	return &TrustedMetadata{
		Root:    root,
		Targets: map[string]*metadata.Metadata[metadata.TargetsType]{},
		cfg:     cfg,
	}, nil
}

// UpdateRoot verifies one root rotation step: data must be signed by
// both the currently trusted root's root-role KeyThreshold and its
// own (cross-sign requirement), and its version must be exactly one
// more than the currently trusted root's. rotated reports whether the
// timestamp or snapshot KeyThreshold changed, signalling the caller to
// invalidate any cached timestamp/snapshot.
func (tm *TrustedMetadata) UpdateRoot(data []byte) (newRoot *metadata.Metadata[metadata.RootType], rotated bool, err error) {
	newRoot = &metadata.Metadata[metadata.RootType]{}
	if _, err := newRoot.FromBytes(data); err != nil {
		return nil, false, err
	}
	if err := tm.Root.VerifyDelegate(metadata.ROOT, newRoot); err != nil {
		return nil, false, metadata.ErrArbitrarySoftware{Msg: fmt.Sprintf("new root not signed by previous root threshold: %v", err)}
	}
	if err := newRoot.VerifyDelegate(metadata.ROOT, newRoot); err != nil {
		return nil, false, metadata.ErrArbitrarySoftware{Msg: fmt.Sprintf("new root not signed by its own threshold: %v", err)}
	}
	if newRoot.Signed.Version != tm.Root.Signed.Version+1 {
		return nil, false, metadata.ErrRollback{Msg: fmt.Sprintf("root version %d is not a successor of %d", newRoot.Signed.Version, tm.Root.Signed.Version)}
	}

	rotated = rolesDiffer(tm.Root.Signed.Roles[metadata.TIMESTAMP], newRoot.Signed.Roles[metadata.TIMESTAMP]) ||
		rolesDiffer(tm.Root.Signed.Roles[metadata.SNAPSHOT], newRoot.Signed.Roles[metadata.SNAPSHOT])

	tm.Root = newRoot
	log.Infof("Advanced trusted root to version %d\n", newRoot.Signed.Version)
	return newRoot, rotated, nil
}

// FinalizeRoot runs the checks that apply once no further root
// rotation is available: freeze and consistent-snapshot.
func (tm *TrustedMetadata) FinalizeRoot() error {
	if tm.Root.Signed.IsExpired(tm.cfg.Now()) {
		return metadata.ErrFreeze{Msg: "trusted root has expired"}
	}
	if !tm.Root.Signed.ConsistentSnapshot {
		return metadata.ErrNoConsistentSnapshots{Msg: "root"}
	}
	return nil
}

func rolesDiffer(a, b *metadata.Role) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.Threshold != b.Threshold || len(a.KeyIDs) != len(b.KeyIDs) {
		return true
	}
	seen := map[string]bool{}
	for _, k := range a.KeyIDs {
		seen[k] = true
	}
	for _, k := range b.KeyIDs {
		if !seen[k] {
			return true
		}
	}
	return false
}

// UpdateTimestamp verifies a freshly downloaded timestamp.json against
// the trusted root, and against the previously trusted timestamp (if
// any) for version and referenced-snapshot-version monotonicity.
// ErrEqualVersionNumber is returned (not wrapped as a failure) when
// data's version exactly matches what is already trusted: there is
// nothing new to do.
func (tm *TrustedMetadata) UpdateTimestamp(data []byte) (*metadata.Metadata[metadata.TimestampType], error) {
	newTimestamp := &metadata.Metadata[metadata.TimestampType]{}
	if _, err := newTimestamp.FromBytes(data); err != nil {
		return nil, err
	}
	if err := tm.Root.VerifyDelegate(metadata.TIMESTAMP, newTimestamp); err != nil {
		return nil, metadata.ErrArbitrarySoftware{Msg: fmt.Sprintf("timestamp: %v", err)}
	}

	if tm.Timestamp != nil {
		prev := tm.Timestamp.Signed
		cur := newTimestamp.Signed
		if cur.Version < prev.Version {
			return nil, metadata.ErrRollback{Msg: fmt.Sprintf("timestamp version %d < trusted %d", cur.Version, prev.Version)}
		}
		if cur.Version == prev.Version {
			return nil, metadata.ErrEqualVersionNumber{Msg: "timestamp version has not increased"}
		}
		prevSnap, okPrev := prev.Meta["snapshot.json"]
		curSnap, okCur := cur.Meta["snapshot.json"]
		if okPrev && okCur && curSnap.Version < prevSnap.Version {
			return nil, metadata.ErrRollback{Msg: fmt.Sprintf("timestamp's snapshot version %d < trusted %d", curSnap.Version, prevSnap.Version)}
		}
	}

	if newTimestamp.Signed.IsExpired(tm.cfg.Now()) {
		return nil, metadata.ErrFreeze{Msg: "timestamp has expired"}
	}
	tm.Timestamp = newTimestamp
	log.Debugf("Updated trusted timestamp to version %d\n", newTimestamp.Signed.Version)
	return newTimestamp, nil
}

// UpdateSnapshot verifies snapshot.json data against trusted_root and
// the snap_ref pinned by the trusted timestamp. trusted is set when
// data came from a local cache file that was itself already verified
// on a previous refresh, in which case the signature check is skipped
// (spec.md 4.6.4's cached-reuse branch) but version pinning, rollback
// and freeze are still enforced.
func (tm *TrustedMetadata) UpdateSnapshot(data []byte, trusted bool) (*metadata.Metadata[metadata.SnapshotType], error) {
	if tm.Timestamp == nil {
		return nil, metadata.ErrValue{Msg: "cannot update snapshot before timestamp is trusted"}
	}
	snapRef, ok := tm.Timestamp.Signed.Meta["snapshot.json"]
	if !ok {
		return nil, metadata.ErrMixAndMatch{Msg: "timestamp does not reference snapshot.json"}
	}

	newSnapshot := &metadata.Metadata[metadata.SnapshotType]{}
	if _, err := newSnapshot.FromBytes(data); err != nil {
		return nil, err
	}

	if !trusted {
		if err := tm.Root.VerifyDelegate(metadata.SNAPSHOT, newSnapshot); err != nil {
			return nil, metadata.ErrArbitrarySoftware{Msg: fmt.Sprintf("snapshot: %v", err)}
		}
	}

	if newSnapshot.Signed.Version != snapRef.Version {
		return nil, metadata.ErrMixAndMatch{Msg: fmt.Sprintf("snapshot version %d does not match timestamp's pinned version %d", newSnapshot.Signed.Version, snapRef.Version)}
	}

	if tm.Snapshot != nil {
		for fname, prevMeta := range tm.Snapshot.Signed.Meta {
			curMeta, ok := newSnapshot.Signed.Meta[fname]
			if !ok {
				return nil, metadata.ErrRollback{Msg: fmt.Sprintf("snapshot no longer lists %s", fname)}
			}
			if curMeta.Version < prevMeta.Version {
				return nil, metadata.ErrRollback{Msg: fmt.Sprintf("%s version %d < trusted %d", fname, curMeta.Version, prevMeta.Version)}
			}
		}
	}

	if newSnapshot.Signed.IsExpired(tm.cfg.Now()) {
		return nil, metadata.ErrFreeze{Msg: "snapshot has expired"}
	}
	tm.Snapshot = newSnapshot
	log.Debugf("Updated trusted snapshot to version %d\n", newSnapshot.Signed.Version)
	return newSnapshot, nil
}

// UpdateDelegatedTargets verifies roleName's metadata (top-level
// "targets" or any delegated role) against delegatorName's authority -
// "root" for the top-level role, or the name of the parent targets
// role for a delegated one - and against the version snapshot.json
// pinned for it.
func (tm *TrustedMetadata) UpdateDelegatedTargets(data []byte, roleName, delegatorName string) (*metadata.Metadata[metadata.TargetsType], error) {
	if tm.Snapshot == nil {
		return nil, metadata.ErrValue{Msg: "cannot update targets before snapshot is trusted"}
	}
	snapRef, ok := tm.Snapshot.Signed.Meta[roleName+".json"]
	if !ok {
		return nil, metadata.ErrMixAndMatch{Msg: fmt.Sprintf("snapshot does not reference %s.json", roleName)}
	}

	newTargets := &metadata.Metadata[metadata.TargetsType]{}
	if _, err := newTargets.FromBytes(data); err != nil {
		return nil, err
	}

	if err := tm.verifyDelegator(delegatorName, roleName, newTargets); err != nil {
		return nil, metadata.ErrArbitrarySoftware{Msg: fmt.Sprintf("%s: %v", roleName, err)}
	}

	if newTargets.Signed.Version != snapRef.Version {
		return nil, metadata.ErrMixAndMatch{Msg: fmt.Sprintf("%s version %d does not match snapshot's pinned version %d", roleName, newTargets.Signed.Version, snapRef.Version)}
	}
	if newTargets.Signed.IsExpired(tm.cfg.Now()) {
		return nil, metadata.ErrFreeze{Msg: fmt.Sprintf("%s has expired", roleName)}
	}

	tm.Targets[roleName] = newTargets
	log.Debugf("Updated trusted %s to version %d\n", roleName, newTargets.Signed.Version)
	return newTargets, nil
}

func (tm *TrustedMetadata) verifyDelegator(delegatorName, roleName string, newTargets *metadata.Metadata[metadata.TargetsType]) error {
	if delegatorName == metadata.ROOT {
		return tm.Root.VerifyDelegate(roleName, newTargets)
	}
	delegator, ok := tm.Targets[delegatorName]
	if !ok {
		return metadata.ErrValue{Msg: fmt.Sprintf("delegator %s is not trusted", delegatorName)}
	}
	return delegator.VerifyDelegate(roleName, newTargets)
}
