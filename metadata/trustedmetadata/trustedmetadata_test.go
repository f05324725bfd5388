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

package trustedmetadata

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/stretchr/testify/require"

	"github.com/mirostuf/tuf-client/metadata"
	"github.com/mirostuf/tuf-client/metadata/config"
)

// testRepo bundles one ed25519 signing key and the four top-level
// roles it signs alone, simulating a minimal single-key repository.
type testRepo struct {
	t        *testing.T
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	key      *metadata.Key
	cfg      *config.UpdaterConfig
	expires  time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key, err := metadata.KeyFromPublicKey(pub)
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := config.New("http://meta.example/", "http://targets.example/", t.TempDir(), t.TempDir())
	cfg.Clock = clock.NewMockClock(now)

	return &testRepo{t: t, pub: pub, priv: priv, key: key, cfg: cfg, expires: now.AddDate(1, 0, 0)}
}

func (r *testRepo) sign(signed any) metadata.Signature {
	payload, err := cjson.EncodeCanonical(signed)
	require.NoError(r.t, err)
	sig := ed25519.Sign(r.priv, payload)
	return metadata.Signature{KeyID: r.key.ID(), Signature: metadata.HexBytes(sig)}
}

func (r *testRepo) root(version int64, expires time.Time) []byte {
	root := metadata.Root(expires)
	root.Signed.Version = version
	root.Signed.Keys[r.key.ID()] = r.key
	for _, role := range []string{metadata.ROOT, metadata.SNAPSHOT, metadata.TIMESTAMP, metadata.TARGETS} {
		root.Signed.Roles[role].KeyIDs = []string{r.key.ID()}
		root.Signed.Roles[role].Threshold = 1
	}
	root.Signatures = []metadata.Signature{r.sign(root.Signed)}
	data, err := root.ToBytes(false)
	require.NoError(r.t, err)
	return data
}

func (r *testRepo) timestamp(version, snapshotVersion int64) []byte {
	ts := metadata.Timestamp(r.expires)
	ts.Signed.Version = version
	ts.Signed.Meta["snapshot.json"] = metadata.MetaFiles{Version: snapshotVersion}
	ts.Signatures = []metadata.Signature{r.sign(ts.Signed)}
	data, err := ts.ToBytes(false)
	require.NoError(r.t, err)
	return data
}

func (r *testRepo) snapshot(version, targetsVersion int64) []byte {
	snap := metadata.Snapshot(r.expires)
	snap.Signed.Version = version
	snap.Signed.Meta["targets.json"] = metadata.MetaFiles{Version: targetsVersion}
	snap.Signatures = []metadata.Signature{r.sign(snap.Signed)}
	data, err := snap.ToBytes(false)
	require.NoError(r.t, err)
	return data
}

func (r *testRepo) targets(version int64) []byte {
	tg := metadata.Targets(r.expires)
	tg.Signed.Version = version
	tg.Signed.Targets["a.txt"] = metadata.TargetFiles{
		Length: 4,
		Hashes: metadata.Hashes{"sha256": metadata.HexBytes{1, 2, 3, 4}},
	}
	tg.Signatures = []metadata.Signature{r.sign(tg.Signed)}
	data, err := tg.ToBytes(false)
	require.NoError(r.t, err)
	return data
}

func TestNewLoadsSelfConsistentRoot(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)
	require.NotNil(t, tm.Root)
	require.Equal(t, int64(1), tm.Root.Signed.Version)
}

func TestNewRejectsNonConsistentSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	root := metadata.Root(repo.expires)
	root.Signed.Version = 1
	root.Signed.ConsistentSnapshot = false
	root.Signed.Keys[repo.key.ID()] = repo.key
	for _, role := range []string{metadata.ROOT, metadata.SNAPSHOT, metadata.TIMESTAMP, metadata.TARGETS} {
		root.Signed.Roles[role].KeyIDs = []string{repo.key.ID()}
		root.Signed.Roles[role].Threshold = 1
	}
	root.Signatures = []metadata.Signature{repo.sign(root.Signed)}
	data, err := root.ToBytes(false)
	require.NoError(t, err)

	_, err = New(data, repo.cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.ErrRepository{})
}

func TestFullGoldenPathRefresh(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)

	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.NoError(t, err)

	_, err = tm.UpdateSnapshot(repo.snapshot(1, 1), false)
	require.NoError(t, err)

	_, err = tm.UpdateDelegatedTargets(repo.targets(1), metadata.TARGETS, metadata.ROOT)
	require.NoError(t, err)

	require.Contains(t, tm.Targets[metadata.TARGETS].Signed.Targets, "a.txt")
}

func TestUpdateRootDetectsRotationAndRollback(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)

	_, rotated, err := tm.UpdateRoot(repo.root(2, repo.expires))
	require.NoError(t, err)
	require.False(t, rotated)
	require.Equal(t, int64(2), tm.Root.Signed.Version)

	_, _, err = tm.UpdateRoot(repo.root(2, repo.expires))
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.Attack{})
}

func TestFinalizeRootDetectsFreeze(t *testing.T) {
	repo := newTestRepo(t)
	past := repo.cfg.Clock.Now().AddDate(-1, 0, -1)
	tm, err := New(repo.root(1, past), repo.cfg)
	require.NoError(t, err)

	err = tm.FinalizeRoot()
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.Attack{})
}

func TestUpdateTimestampDetectsRollback(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)

	_, err = tm.UpdateTimestamp(repo.timestamp(2, 2))
	require.NoError(t, err)

	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.Attack{})
}

func TestUpdateTimestampDetectsEqualVersion(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)

	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.NoError(t, err)

	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.ErrEqualVersionNumber{})
	require.False(t, errors.Is(err, metadata.Attack{}))
}

func TestUpdateSnapshotDetectsMixAndMatch(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)
	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.NoError(t, err)

	_, err = tm.UpdateSnapshot(repo.snapshot(2, 1), false)
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.Attack{})
}

func TestUpdateSnapshotDetectsRollbackOfReferencedFile(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)

	// First round: snapshot version 1 pins targets.json at version 2.
	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.NoError(t, err)
	_, err = tm.UpdateSnapshot(repo.snapshot(1, 2), false)
	require.NoError(t, err)

	// Second round: snapshot version advances to 2 (satisfying the
	// timestamp's pin), but its targets.json entry regresses to
	// version 1 - a rollback of the referenced file, independent of
	// the snapshot's own version.
	_, err = tm.UpdateTimestamp(repo.timestamp(2, 2))
	require.NoError(t, err)
	_, err = tm.UpdateSnapshot(repo.snapshot(2, 1), false)
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.Attack{})
}

func TestUpdateDelegatedTargetsRequiresTrustedDelegator(t *testing.T) {
	repo := newTestRepo(t)
	tm, err := New(repo.root(1, repo.expires), repo.cfg)
	require.NoError(t, err)
	_, err = tm.UpdateTimestamp(repo.timestamp(1, 1))
	require.NoError(t, err)
	_, err = tm.UpdateSnapshot(repo.snapshot(1, 1), false)
	require.NoError(t, err)

	snap := tm.Snapshot
	snap.Signed.Meta["team-a.json"] = metadata.MetaFiles{Version: 1}

	_, err = tm.UpdateDelegatedTargets(repo.targets(1), "team-a", "targets")
	require.Error(t, err)
}
