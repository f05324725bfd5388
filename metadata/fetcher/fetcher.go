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

// Package fetcher downloads remote metadata and target files under a
// hard length ceiling and a minimum transfer speed, turning both
// violations into typed attack errors rather than letting a hostile
// or broken server exhaust client memory or time.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mirostuf/tuf-client/metadata"
)

// Fetcher downloads the bytes at urlPath, refusing to read more than
// maxLength bytes and to sustain less than minBytesPerSec once the
// transfer is underway.
type Fetcher interface {
	DownloadFile(urlPath string, maxLength int64, minBytesPerSec float64) ([]byte, error)
}

// DefaultFetcher is the production Fetcher, built on net/http. A
// single instance is safe to reuse across many downloads - it holds
// only an *http.Client.
type DefaultFetcher struct {
	Client *http.Client
}

// NewDefaultFetcher returns a DefaultFetcher with a bounded per-request
// timeout, matching the teacher's single-timeout-everywhere posture.
func NewDefaultFetcher() *DefaultFetcher {
	return &DefaultFetcher{
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

const chunkSize = 4096

// DownloadFile streams the response body in fixed-size chunks,
// checking the running total against maxLength and the instantaneous
// transfer speed against minBytesPerSec after every chunk, so a
// violation is caught before the whole body is buffered.
func (f *DefaultFetcher) DownloadFile(urlPath string, maxLength int64, minBytesPerSec float64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlPath, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "building request")
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, metadata.ErrSlowRetrieval{Msg: fmt.Sprintf("timeout on %s", urlPath)}
		}
		return nil, &metadata.ErrDownloadHTTP{Url: urlPath}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return nil, metadata.ErrNotFound{Url: urlPath}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &metadata.ErrDownloadHTTP{Url: urlPath, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength > 0 && resp.ContentLength > maxLength {
		return nil, metadata.ErrEndlessData{Msg: fmt.Sprintf("%d > %d bytes on %s", resp.ContentLength, maxLength, urlPath)}
	}

	var buf strings.Builder
	chunk := make([]byte, chunkSize)
	var written int64
	prevTime := time.Now()

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			written += int64(n)
			if written > maxLength {
				return nil, metadata.ErrEndlessData{Msg: fmt.Sprintf("%d > %d bytes on %s", written, maxLength, urlPath)}
			}
			now := time.Now()
			elapsed := now.Sub(prevTime).Seconds()
			if elapsed > 0 {
				speed := float64(n) / elapsed
				if minBytesPerSec > 0 && speed < minBytesPerSec {
					return nil, metadata.ErrSlowRetrieval{Msg: fmt.Sprintf("%.2f < %.2f bytes/sec on %s", speed, minBytesPerSec, urlPath)}
				}
			}
			prevTime = now
			buf.Write(chunk[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if isTimeout(readErr) {
				return nil, metadata.ErrSlowRetrieval{Msg: fmt.Sprintf("timeout on %s", urlPath)}
			}
			return nil, pkgerrors.Wrap(readErr, "reading response body")
		}
	}

	log.Debugf("Downloaded %d bytes from %s\n", written, urlPath)
	return []byte(buf.String()), nil
}

func (f *DefaultFetcher) timeout() time.Duration {
	if f.Client != nil && f.Client.Timeout > 0 {
		return f.Client.Timeout
	}
	return 15 * time.Second
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
