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

package fetcher

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirostuf/tuf-client/metadata"
)

func TestDownloadFileSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer srv.Close()

	f := NewDefaultFetcher()
	data, err := f.DownloadFile(srv.URL, 1<<20, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(data))
}

func TestDownloadFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewDefaultFetcher()
	_, err := f.DownloadFile(srv.URL, 1<<20, 0)
	assert.Error(t, err)
	assert.ErrorIs(t, err, metadata.ErrNotFound{})
}

func TestDownloadFileRejectsOversizedContentLength(t *testing.T) {
	body := strings.Repeat("a", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewDefaultFetcher()
	_, err := f.DownloadFile(srv.URL, 10, 0)
	assert.Error(t, err)
	var endless metadata.ErrEndlessData
	assert.ErrorAs(t, err, &endless)
}

func TestDownloadFileRejectsEndlessDataMidStream(t *testing.T) {
	body := strings.Repeat("a", 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for i := 0; i < len(body); i += 4096 {
			end := i + 4096
			if end > len(body) {
				end = len(body)
			}
			w.Write([]byte(body[i:end]))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	f := NewDefaultFetcher()
	_, err := f.DownloadFile(srv.URL, 1<<12, 0)
	assert.Error(t, err)
	var endless metadata.ErrEndlessData
	assert.ErrorAs(t, err, &endless)
}

func TestDownloadFileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewDefaultFetcher()
	_, err := f.DownloadFile(srv.URL, 1<<20, 0)
	assert.Error(t, err)
	var downloadErr *metadata.ErrDownloadHTTP
	assert.ErrorAs(t, err, &downloadErr)
	assert.Equal(t, http.StatusInternalServerError, downloadErr.StatusCode)
}
