// SPDX-License-Identifier: MIT

package jobs

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchEPGPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<tv></tv>"))
	}))
	t.Cleanup(srv.Close)

	body, err := fetchEPG(context.Background(), srv.Client(), srv.URL+"/guide.xml", 1<<20, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { body.Close() })

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "<tv></tv>", string(data))
}

func TestFetchEPGGzipBySuffix(t *testing.T) {
	payload := gzipBytes(t, "<tv><channel id=\"a\"/></tv>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	body, err := fetchEPG(context.Background(), srv.Client(), srv.URL+"/guide.xml.gz", 1<<20, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { body.Close() })

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "<tv><channel id=\"a\"/></tv>", string(data))
}

func TestFetchEPGGzipByMagicBytes(t *testing.T) {
	// No .gz suffix and no gzip headers; only the payload gives it away.
	payload := gzipBytes(t, "<tv/>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	body, err := fetchEPG(context.Background(), srv.Client(), srv.URL+"/guide.xml", 1<<20, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { body.Close() })

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "<tv/>", string(data))
}

func TestFetchEPGRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte("<tv/>"))
	}))
	t.Cleanup(srv.Close)

	body, err := fetchEPG(context.Background(), srv.Client(), srv.URL, 1<<20, 3, time.Millisecond)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchEPGNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	_, err := fetchEPG(context.Background(), srv.Client(), srv.URL, 1<<20, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestFetchEPGExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := fetchEPG(context.Background(), srv.Client(), srv.URL, 1<<20, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchEPGSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 1000))
	}))
	t.Cleanup(srv.Close)

	body, err := fetchEPG(context.Background(), srv.Client(), srv.URL, 64, 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { body.Close() })

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Len(t, data, 64, "raw stream is capped")
}

func TestFetchEPGContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fetchEPG(ctx, srv.Client(), srv.URL, 1<<20, 5, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
