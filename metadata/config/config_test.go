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

package config

import (
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
)

func TestNewSetsDefaults(t *testing.T) {
	cfg := New("http://meta.example/", "http://targets.example/", "/var/tuf/meta", "/var/tuf/targets")
	assert.Equal(t, "http://meta.example/", cfg.MetadataRootURL)
	assert.Equal(t, "http://targets.example/", cfg.TargetsRootURL)
	assert.Equal(t, "/var/tuf/meta", cfg.MetadataCacheDir)
	assert.Equal(t, "/var/tuf/targets", cfg.TargetsCacheDir)

	assert.Equal(t, DefaultMaxRootRotations, cfg.MaxRootRotations)
	assert.Equal(t, DefaultRootMaxLength, cfg.RootMaxLength)
	assert.Equal(t, DefaultTimestampMaxLength, cfg.TimestampMaxLength)
	assert.Equal(t, DefaultSnapshotMaxLength, cfg.SnapshotMaxLength)
	assert.Equal(t, DefaultTargetsMaxLength, cfg.TargetsMaxLength)
	assert.Equal(t, DefaultMaxDelegations, cfg.MaxDelegations)
	assert.Equal(t, DefaultSlowRetrievalThreshold, cfg.SlowRetrievalThreshold)

	assert.False(t, cfg.PrefixTargetsWithHash)
	assert.Nil(t, cfg.Fetcher)
	assert.NotNil(t, cfg.Clock)
}

func TestNowLagsFiveMinutesBehindClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := New("", "", "", "")
	cfg.Clock = clock.NewMockClock(fixed)

	got := cfg.Now()
	assert.Equal(t, fixed.Add(-5*time.Minute), got)
	assert.Equal(t, time.UTC, got.Location())
}
