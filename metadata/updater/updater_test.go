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

package updater

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/stretchr/testify/require"

	"github.com/mirostuf/tuf-client/metadata"
	"github.com/mirostuf/tuf-client/metadata/config"
)

func TestEnsureTrailingSlash(t *testing.T) {
	require.Equal(t, "http://x/", ensureTrailingSlash("http://x"))
	require.Equal(t, "http://x/", ensureTrailingSlash("http://x/"))
}

func TestReverseSlice(t *testing.T) {
	s := []int{1, 2, 3, 4}
	reverseSlice(s)
	require.Equal(t, []int{4, 3, 2, 1}, s)
}

func TestAtomicWriteFileThenReadFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "out.json")
	require.NoError(t, atomicWriteFile(name, []byte("hello")))
	data, err := readFile(name)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after rename")
}

// testRepo builds a minimal single-key, consistent-snapshot repository
// served over two httptest servers (metadata and targets), used to
// exercise a full Updater refresh and target download.
type testRepo struct {
	t    *testing.T
	priv ed25519.PrivateKey
	key  *metadata.Key
	now  time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key, err := metadata.KeyFromPublicKey(pub)
	require.NoError(t, err)
	return &testRepo{t: t, priv: priv, key: key, now: time.Now().UTC()}
}

func (r *testRepo) sign(signed any) metadata.Signature {
	payload, err := cjson.EncodeCanonical(signed)
	require.NoError(r.t, err)
	sig := ed25519.Sign(r.priv, payload)
	return metadata.Signature{KeyID: r.key.ID(), Signature: metadata.HexBytes(sig)}
}

func (r *testRepo) rootBytes() []byte {
	return r.rootBytesVersioned(1, r.now.AddDate(1, 0, 0))
}

func (r *testRepo) rootBytesVersioned(version int64, expires time.Time) []byte {
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

func TestUpdaterGoldenPathRefreshAndDownload(t *testing.T) {
	repo := newTestRepo(t)
	expires := repo.now.AddDate(1, 0, 0)

	targetContent := []byte("hello target")
	sum := sha256.Sum256(targetContent)
	hasher := metadata.Hashes{"sha256": metadata.HexBytes(sum[:])}

	targets := metadata.Targets(expires)
	targets.Signed.Targets["a.txt"] = metadata.TargetFiles{
		Length: int64(len(targetContent)),
		Hashes: hasher,
	}
	targets.Signatures = []metadata.Signature{repo.sign(targets.Signed)}
	targetsBytes, err := targets.ToBytes(false)
	require.NoError(t, err)

	snap := metadata.Snapshot(expires)
	snap.Signed.Meta["targets.json"] = metadata.MetaFiles{Version: 1}
	snap.Signatures = []metadata.Signature{repo.sign(snap.Signed)}
	snapBytes, err := snap.ToBytes(false)
	require.NoError(t, err)

	ts := metadata.Timestamp(expires)
	ts.Signed.Meta["snapshot.json"] = metadata.MetaFiles{Version: 1}
	ts.Signatures = []metadata.Signature{repo.sign(ts.Signed)}
	tsBytes, err := ts.ToBytes(false)
	require.NoError(t, err)

	metaMux := http.NewServeMux()
	metaMux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	metaMux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tsBytes)
	})
	metaMux.HandleFunc("/1.snapshot.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(snapBytes)
	})
	metaMux.HandleFunc("/1.targets.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(targetsBytes)
	})
	metaSrv := httptest.NewServer(metaMux)
	defer metaSrv.Close()

	hashHex := hasher["sha256"].String()
	targetMux := http.NewServeMux()
	targetMux.HandleFunc(fmt.Sprintf("/%s.a.txt", hashHex), func(w http.ResponseWriter, r *http.Request) {
		w.Write(targetContent)
	})
	targetSrv := httptest.NewServer(targetMux)
	defer targetSrv.Close()

	metadataDir := t.TempDir()
	targetDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "root.json"), repo.rootBytes(), 0o644))

	cfg := config.New(metaSrv.URL, targetSrv.URL, metadataDir, targetDir)
	up, err := New(metadataDir, metaSrv.URL, targetDir, targetSrv.URL, cfg)
	require.NoError(t, err)
	defer up.Close()

	require.NoError(t, up.Refresh())

	targetInfo, err := up.GetTargetInfo("a.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len(targetContent)), targetInfo.Length)

	path, err := up.DownloadTarget(targetInfo, "", "")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, targetContent, data)
}

// TestLoadRootRejectsFinalRootThatFailsFinalize builds a root rotation
// chain whose last step verifies and applies cleanly but is already
// expired, so FinalizeRoot must reject it. The on-disk root.json must
// still be the original, never the rejected rotation - persistence
// happens only after every check, including FinalizeRoot, passes.
func TestLoadRootRejectsFinalRootThatFailsFinalize(t *testing.T) {
	repo := newTestRepo(t)

	v1 := repo.rootBytesVersioned(1, repo.now.AddDate(1, 0, 0))
	v2 := repo.rootBytesVersioned(2, repo.now.AddDate(-1, 0, 0))

	metaMux := http.NewServeMux()
	metaMux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(v2)
	})
	metaMux.HandleFunc("/3.root.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	metaSrv := httptest.NewServer(metaMux)
	defer metaSrv.Close()

	metadataDir := t.TempDir()
	rootPath := filepath.Join(metadataDir, "root.json")
	require.NoError(t, os.WriteFile(rootPath, v1, 0o644))

	cfg := config.New(metaSrv.URL, "http://targets.example/", metadataDir, t.TempDir())
	up, err := New(metadataDir, metaSrv.URL, t.TempDir(), "http://targets.example/", cfg)
	require.NoError(t, err)
	defer up.Close()

	err = up.loadRoot()
	require.Error(t, err)
	require.ErrorIs(t, err, metadata.Attack{})

	onDisk, err := os.ReadFile(rootPath)
	require.NoError(t, err)
	require.Equal(t, v1, onDisk, "rejected rotation must not be persisted")
}

// TestPreOrderDepthFirstWalkVisitsSiblingAfterTerminatingMiss builds a
// delegation tree where the top role delegates to "a" then "b"; "a"
// delegates to a terminating "a1" that does not carry the target.
// "a1" being terminating must stop the walk from backtracking into
// further children of "a", but must never discard "b", a sibling of
// "a" queued from the shallower, top-level delegation.
func TestPreOrderDepthFirstWalkVisitsSiblingAfterTerminatingMiss(t *testing.T) {
	repo := newTestRepo(t)
	expires := repo.now.AddDate(1, 0, 0)

	metadataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "root.json"), repo.rootBytes(), 0o644))

	cfg := config.New("http://meta.example/", "http://targets.example/", metadataDir, t.TempDir())
	up, err := New(metadataDir, "http://meta.example/", t.TempDir(), "http://targets.example/", cfg)
	require.NoError(t, err)
	defer up.Close()

	top := metadata.Targets(expires)
	top.Signed.Delegations = &metadata.Delegations{
		Keys: map[string]*metadata.Key{repo.key.ID(): repo.key},
		Roles: []metadata.DelegatedRole{
			{Name: "a", KeyIDs: []string{repo.key.ID()}, Threshold: 1, Paths: []string{"*"}},
			{Name: "b", KeyIDs: []string{repo.key.ID()}, Threshold: 1, Paths: []string{"*"}},
		},
	}

	a := metadata.Targets(expires)
	a.Signed.Delegations = &metadata.Delegations{
		Keys: map[string]*metadata.Key{repo.key.ID(): repo.key},
		Roles: []metadata.DelegatedRole{
			{Name: "a1", KeyIDs: []string{repo.key.ID()}, Threshold: 1, Terminating: true, Paths: []string{"*"}},
		},
	}

	a1 := metadata.Targets(expires)

	b := metadata.Targets(expires)
	b.Signed.Targets["x.txt"] = metadata.TargetFiles{
		Length: 4,
		Hashes: metadata.Hashes{"sha256": metadata.HexBytes{1, 2, 3, 4}},
	}

	up.trusted.Targets[metadata.TARGETS] = top
	up.trusted.Targets["a"] = a
	up.trusted.Targets["a1"] = a1
	up.trusted.Targets["b"] = b

	found, err := up.preOrderDepthFirstWalk("x.txt")
	require.NoError(t, err)
	require.Equal(t, "x.txt", found.Path)
}
