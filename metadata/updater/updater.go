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

// Package updater drives the network- and disk-facing side of a
// refresh: it decides what to download and in what order, hands raw
// bytes to trustedmetadata for verification, and persists whatever
// trustedmetadata accepts. The verification logic itself lives in
// metadata/trustedmetadata; this package never makes a trust decision
// on its own.
package updater

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mirostuf/tuf-client/metadata"
	"github.com/mirostuf/tuf-client/metadata/config"
	"github.com/mirostuf/tuf-client/metadata/fetcher"
	"github.com/mirostuf/tuf-client/metadata/trustedmetadata"
	log "github.com/sirupsen/logrus"
)

type roleParentTuple struct {
	Role   string
	Parent string
}

// Updater implements the TUF client workflow: initializing it loads
// and self-verifies the trusted local root metadata; Refresh updates
// and loads the top-level roles; GetTargetInfo/DownloadTarget resolve
// and fetch an individual target, loading whatever delegated targets
// metadata the pre-order walk needs along the way.
//
// An Updater is not safe for concurrent use - see spec.md's
// concurrency model. Every Updater owns a scratch directory, removed
// by Close.
type Updater struct {
	metadataDir     string
	metadataBaseUrl string
	targetDir       string
	targetBaseUrl   string
	trusted         *trustedmetadata.TrustedMetadata
	config          *config.UpdaterConfig
	fetcher         fetcher.Fetcher
	scratchDir      string
}

// New creates an Updater and loads the trusted local root metadata.
// If cfg is nil, a default config.UpdaterConfig is built from the
// four locations given. If cfg.Fetcher is nil, fetcher.NewDefaultFetcher
// is used.
func New(metadataDir, metadataBaseUrl, targetDir, targetBaseUrl string, cfg *config.UpdaterConfig) (*Updater, error) {
	if cfg == nil {
		cfg = config.New(metadataBaseUrl, targetBaseUrl, metadataDir, targetDir)
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetcher.NewDefaultFetcher()
	}

	scratchDir, err := os.MkdirTemp("", "tuf-updater-")
	if err != nil {
		return nil, err
	}

	up := &Updater{
		metadataDir:     metadataDir,
		metadataBaseUrl: ensureTrailingSlash(metadataBaseUrl),
		targetDir:       targetDir,
		targetBaseUrl:   ensureTrailingSlash(targetBaseUrl),
		config:          cfg,
		fetcher:         cfg.Fetcher,
		scratchDir:      scratchDir,
	}

	rootBytes, err := up.loadLocalMetadata(metadata.ROOT)
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, err
	}
	trusted, err := trustedmetadata.New(rootBytes, up.config)
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, err
	}
	up.trusted = trusted
	up.config.PrefixTargetsWithHash = trusted.Root.Signed.ConsistentSnapshot
	return up, nil
}

// Close releases the Updater's scratch directory. It is safe to call
// more than once.
func (update *Updater) Close() error {
	if update.scratchDir == "" {
		return nil
	}
	err := os.RemoveAll(update.scratchDir)
	update.scratchDir = ""
	return err
}

// Refresh downloads, verifies and loads top-level metadata in order
// (root, timestamp, snapshot, targets). It may be called more than
// once: each call re-runs from the beginning, per spec.md's
// idempotence requirement. Delegated targets metadata is loaded on
// demand by GetTargetInfo, not by Refresh.
func (update *Updater) Refresh() error {
	if err := update.loadRoot(); err != nil {
		return err
	}
	if err := update.loadTimestamp(); err != nil {
		return err
	}
	if err := update.loadSnapshot(); err != nil {
		return err
	}
	_, err := update.loadTargets(metadata.TARGETS, metadata.ROOT)
	return err
}

// GetTargetInfo resolves targetPath to a TargetFiles record via the
// pre-order delegation walk, refreshing top-level metadata first if
// it has not happened yet this session.
func (update *Updater) GetTargetInfo(targetPath string) (*metadata.TargetFiles, error) {
	if update.trusted.Targets[metadata.TARGETS] == nil {
		if err := update.Refresh(); err != nil {
			return nil, err
		}
	}
	return update.preOrderDepthFirstWalk(targetPath)
}

// DownloadTarget downloads targetFile, verifying its length and
// hashes before writing it to filePath (or a generated path under the
// Updater's target directory if filePath is empty).
func (update *Updater) DownloadTarget(targetFile *metadata.TargetFiles, filePath, targetBaseURL string) (string, error) {
	var err error
	if filePath == "" {
		filePath, err = update.generateTargetFilePath(targetFile)
		if err != nil {
			return "", err
		}
	}
	if targetBaseURL == "" {
		if update.targetBaseUrl == "" {
			return "", metadata.ErrValue{Msg: "targetBaseURL must be set in either DownloadTarget() or the Updater struct"}
		}
		targetBaseURL = update.targetBaseUrl
	} else {
		targetBaseURL = ensureTrailingSlash(targetBaseURL)
	}

	targetFilePath := targetFile.Path
	consistentSnapshot := update.trusted.Root.Signed.ConsistentSnapshot
	if consistentSnapshot && update.config.PrefixTargetsWithHash {
		hashes := ""
		for _, v := range targetFile.Hashes {
			hashes = hex.EncodeToString(v)
			break
		}
		dirName, baseName, ok := strings.Cut(targetFilePath, "/")
		if !ok {
			dirName, baseName = "", targetFilePath
		}
		if dirName == "" {
			targetFilePath = fmt.Sprintf("%s.%s", hashes, baseName)
		} else {
			targetFilePath = fmt.Sprintf("%s/%s.%s", dirName, hashes, baseName)
		}
	}

	fullURL := targetBaseURL + targetFilePath
	data, err := update.fetcher.DownloadFile(fullURL, targetFile.Length, update.config.SlowRetrievalThreshold)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound{}) {
			return "", update.downloadInconsistentTarget(targetFile, targetBaseURL, filePath)
		}
		return "", err
	}
	if err := targetFile.VerifyLengthHashes(data); err != nil {
		return "", err
	}
	if err := atomicWriteFile(filePath, data); err != nil {
		return "", err
	}
	log.Infof("Downloaded target %s\n", targetFile.Path)
	return filePath, nil
}

// downloadInconsistentTarget is reached whenever DownloadTarget's
// first attempt reports NotFound, whether or not that attempt used a
// hash-prefixed name - it tries every (algorithm, hexdigest) pair per
// spec.md 4.6.6, the first success wins, and every NotFound means
// InconsistentTarget.
func (update *Updater) downloadInconsistentTarget(targetFile *metadata.TargetFiles, targetBaseURL, filePath string) error {
	if !update.trusted.Root.Signed.ConsistentSnapshot {
		return metadata.ErrInconsistentTarget{Path: targetFile.Path}
	}
	dirName, baseName, ok := strings.Cut(targetFile.Path, "/")
	if !ok {
		dirName, baseName = "", targetFile.Path
	}
	for _, digest := range targetFile.Hashes {
		candidate := fmt.Sprintf("%s.%s", hex.EncodeToString(digest), baseName)
		if dirName != "" {
			candidate = dirName + "/" + candidate
		}
		data, err := update.fetcher.DownloadFile(targetBaseURL+candidate, targetFile.Length, update.config.SlowRetrievalThreshold)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound{}) {
				continue
			}
			return err
		}
		if err := targetFile.VerifyLengthHashes(data); err != nil {
			return err
		}
		return atomicWriteFile(filePath, data)
	}
	return metadata.ErrInconsistentTarget{Path: targetFile.Path}
}

// FindCachedTarget checks whether targetFile is already present and
// valid at filePath (or its generated path).
func (update *Updater) FindCachedTarget(targetFile *metadata.TargetFiles, filePath string) (string, error) {
	var err error
	if filePath == "" {
		filePath, err = update.generateTargetFilePath(targetFile)
		if err != nil {
			return "", err
		}
	}
	data, err := readFile(filePath)
	if err != nil {
		return "", err
	}
	if err := targetFile.VerifyLengthHashes(data); err != nil {
		return "", err
	}
	return filePath, nil
}

// Get resolves relpath to a target, downloading it (or reusing an
// up to date local copy), and always releases the session's scratch
// directory on the way out. This is the one-operation entry point
// spec.md's get() describes.
func (update *Updater) Get(relpath string) (localPath string, targetFile *metadata.TargetFiles, err error) {
	defer update.Close()

	targetFile, err = update.GetTargetInfo(relpath)
	if err != nil {
		return "", nil, metadata.ErrTargetNotFound{Path: relpath, Cause: err}
	}
	if path, err := update.FindCachedTarget(targetFile, ""); err == nil {
		return path, targetFile, nil
	}
	localPath, err = update.DownloadTarget(targetFile, "", "")
	if err != nil {
		return "", nil, metadata.ErrTargetNotFound{Path: relpath, Cause: err}
	}
	return localPath, targetFile, nil
}

func (update *Updater) loadTimestamp() error {
	data, err := update.loadLocalMetadata(metadata.TIMESTAMP)
	if err != nil {
		log.Debug("Local timestamp does not exist")
	} else if _, err := update.trusted.UpdateTimestamp(data); err != nil {
		if errors.Is(err, metadata.ErrRepository{}) {
			log.Debug("Local timestamp is not valid")
		} else {
			return err
		}
	} else {
		log.Debug("Local timestamp is valid")
	}

	data, err = update.downloadMetadata(metadata.TIMESTAMP, update.config.TimestampMaxLength, "")
	if err != nil {
		return err
	}
	if _, err := update.trusted.UpdateTimestamp(data); err != nil {
		if errors.Is(err, metadata.ErrEqualVersionNumber{}) {
			return nil
		}
		return err
	}
	return update.persistMetadata(metadata.TIMESTAMP, data)
}

func (update *Updater) loadSnapshot() error {
	data, err := update.loadLocalMetadata(metadata.SNAPSHOT)
	if err == nil {
		if _, err := update.trusted.UpdateSnapshot(data, true); err != nil {
			if errors.Is(err, metadata.ErrRepository{}) {
				log.Debug("Local snapshot is not valid")
			} else {
				return err
			}
		} else {
			log.Debug("Local snapshot is valid: not downloading new one")
			return nil
		}
	} else {
		log.Debug("Local snapshot does not exist")
	}

	if update.trusted.Timestamp == nil {
		return metadata.ErrValue{Msg: "trusted timestamp not set"}
	}
	snapshotMeta := update.trusted.Timestamp.Signed.Meta[metadata.SNAPSHOT+".json"]
	length := snapshotMeta.Length
	if length == 0 || length > update.config.SnapshotMaxLength {
		length = update.config.SnapshotMaxLength
	}
	version := ""
	if update.trusted.Root.Signed.ConsistentSnapshot {
		version = strconv.FormatInt(snapshotMeta.Version, 10)
	}
	data, err = update.downloadMetadata(metadata.SNAPSHOT, length, version)
	if err != nil {
		return err
	}
	if _, err := update.trusted.UpdateSnapshot(data, false); err != nil {
		return err
	}
	return update.persistMetadata(metadata.SNAPSHOT, data)
}

func (update *Updater) loadTargets(roleName, parentName string) (*metadata.Metadata[metadata.TargetsType], error) {
	if role, ok := update.trusted.Targets[roleName]; ok {
		return role, nil
	}

	data, err := update.loadLocalMetadata(roleName)
	if err == nil {
		delegatedTargets, err := update.trusted.UpdateDelegatedTargets(data, roleName, parentName)
		if err != nil {
			if !errors.Is(err, metadata.ErrRepository{}) {
				return nil, err
			}
			log.Debugf("Local %s is not valid\n", roleName)
		} else {
			log.Debugf("Local %s is valid: not downloading new one\n", roleName)
			return delegatedTargets, nil
		}
	} else {
		log.Debugf("Local %s does not exist\n", roleName)
	}

	if update.trusted.Snapshot == nil {
		return nil, metadata.ErrValue{Msg: "trusted snapshot not set"}
	}
	metaInfo := update.trusted.Snapshot.Signed.Meta[roleName+".json"]
	length := metaInfo.Length
	if length == 0 || length > update.config.TargetsMaxLength {
		length = update.config.TargetsMaxLength
	}
	version := ""
	if update.trusted.Root.Signed.ConsistentSnapshot {
		version = strconv.FormatInt(metaInfo.Version, 10)
	}
	data, err = update.downloadMetadata(roleName, length, version)
	if err != nil {
		return nil, err
	}
	delegatedTargets, err := update.trusted.UpdateDelegatedTargets(data, roleName, parentName)
	if err != nil {
		return nil, err
	}
	if err := update.persistMetadata(roleName, data); err != nil {
		return nil, err
	}
	return delegatedTargets, nil
}

// loadRoot downloads and applies every newer root version available
// on the remote, up to config.MaxRootRotations steps, stopping as
// soon as the remote reports NotFound for the next version.
func (update *Updater) loadRoot() error {
	lowerBound := update.trusted.Root.Signed.Version + 1
	upperBound := lowerBound + update.config.MaxRootRotations

	anyRotated := false
	var lastRotated []byte
	for nextVersion := lowerBound; nextVersion < upperBound; nextVersion++ {
		data, err := update.downloadMetadata(metadata.ROOT, update.config.RootMaxLength, strconv.FormatInt(nextVersion, 10))
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound{}) {
				break
			}
			var downloadErr *metadata.ErrDownloadHTTP
			if errors.As(err, &downloadErr) {
				if downloadErr.StatusCode == http.StatusNotFound || downloadErr.StatusCode == http.StatusForbidden {
					break
				}
			}
			return err
		}
		_, rotated, err := update.trusted.UpdateRoot(data)
		if err != nil {
			return err
		}
		anyRotated = anyRotated || rotated
		lastRotated = data
	}

	// FinalizeRoot's freeze and consistent-snapshot checks gate
	// persistence: a root that rotates cleanly but then fails
	// finalization must never reach metadataDir, or a future refresh
	// would load it back as the trusted starting point and could never
	// recover.
	if err := update.trusted.FinalizeRoot(); err != nil {
		return err
	}
	if lastRotated != nil {
		if err := update.persistMetadata(metadata.ROOT, lastRotated); err != nil {
			return err
		}
	}
	update.config.PrefixTargetsWithHash = update.trusted.Root.Signed.ConsistentSnapshot
	if anyRotated {
		log.Info("Root rotation changed timestamp/snapshot keys: invalidating cached sub-metadata")
		update.removeLocalMetadata(metadata.TIMESTAMP)
		update.removeLocalMetadata(metadata.SNAPSHOT)
	}
	return nil
}

// preOrderDepthFirstWalk interrogates the tree of target delegations
// in declared order and returns the matching target found in the
// first role that lists it, honoring terminating delegations.
func (update *Updater) preOrderDepthFirstWalk(targetFilePath string) (*metadata.TargetFiles, error) {
	delegationsToVisit := []roleParentTuple{{Role: metadata.TARGETS, Parent: metadata.ROOT}}
	visitedRoleNames := map[string]bool{}

	for int64(len(visitedRoleNames)) <= update.config.MaxDelegations && len(delegationsToVisit) > 0 {
		delegation := delegationsToVisit[len(delegationsToVisit)-1]
		delegationsToVisit = delegationsToVisit[:len(delegationsToVisit)-1]

		if visitedRoleNames[delegation.Role] {
			log.Debugf("Skipping visited current role %s\n", delegation.Role)
			continue
		}

		targets, err := update.loadTargets(delegation.Role, delegation.Parent)
		if err != nil {
			return nil, err
		}
		if target, ok := targets.Signed.Targets[targetFilePath]; ok {
			log.Debugf("Found target in current role %s\n", delegation.Role)
			target.Path = targetFilePath
			return &target, nil
		}
		visitedRoleNames[delegation.Role] = true

		if targets.Signed.Delegations == nil {
			continue
		}
		childRolesToVisit := []roleParentTuple{}
		for _, r := range targets.Signed.Delegations.Roles {
			ok, err := r.IsDelegatedPath(targetFilePath)
			if err != nil || !ok {
				continue
			}
			childRolesToVisit = append(childRolesToVisit, roleParentTuple{Role: r.Name, Parent: delegation.Role})
			if r.Terminating {
				log.Debug("Not backtracking to other delegations of this role")
				break
			}
		}
		reverseSlice(childRolesToVisit)
		delegationsToVisit = append(delegationsToVisit, childRolesToVisit...)
	}

	if len(delegationsToVisit) > 0 {
		log.Debugf("%d roles left to visit, but allowed at most %d delegations\n", len(delegationsToVisit), update.config.MaxDelegations)
	}
	return nil, metadata.ErrTargetNotFound{Path: targetFilePath}
}

func (update *Updater) persistMetadata(roleName string, data []byte) error {
	fileName := filepath.Join(update.metadataDir, url.QueryEscape(roleName)+".json")
	return atomicWriteFile(fileName, data)
}

func (update *Updater) removeLocalMetadata(roleName string) {
	fileName := filepath.Join(update.metadataDir, url.QueryEscape(roleName)+".json")
	if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
		log.Debugf("Failed to remove %s: %v\n", fileName, err)
	}
}

func (update *Updater) downloadMetadata(roleName string, length int64, version string) ([]byte, error) {
	urlPath := update.metadataBaseUrl
	if version == "" {
		urlPath = fmt.Sprintf("%s%s.json", urlPath, url.QueryEscape(roleName))
	} else {
		urlPath = fmt.Sprintf("%s%s.%s.json", urlPath, version, url.QueryEscape(roleName))
	}
	return update.fetcher.DownloadFile(urlPath, length, update.config.SlowRetrievalThreshold)
}

func (update *Updater) generateTargetFilePath(tf *metadata.TargetFiles) (string, error) {
	if update.targetDir == "" {
		return "", metadata.ErrValue{Msg: "target_dir must be set if filepath is not given"}
	}
	return url.JoinPath(update.targetDir, url.QueryEscape(tf.Path))
}

func (update *Updater) loadLocalMetadata(roleName string) ([]byte, error) {
	fileName := filepath.Join(update.metadataDir, url.QueryEscape(roleName)+".json")
	return readFile(fileName)
}

// atomicWriteFile writes data to name via a temp file in the same
// directory followed by a rename, so a reader never observes a
// partial write.
func atomicWriteFile(name string, data []byte) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, ".tuf_tmp")
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

// ensureTrailingSlash ensures u ends with a slash.
func ensureTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// reverseSlice reverses s in place.
func reverseSlice[S ~[]E, E any](s S) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// readFile reads the full contents of a local file.
func readFile(name string) ([]byte, error) {
	in, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return io.ReadAll(in)
}
