// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg0001.ts
#EXTINF:6.0,
seg0002.ts
`

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
high.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=1280x720
mid.m3u8
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	serve := func(path, body string) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
	}
	serve("/media.m3u8", mediaPlaylist)
	serve("/master.m3u8", masterPlaylist)
	serve("/low.m3u8", mediaPlaylist)
	serve("/mid.m3u8", mediaPlaylist)
	serve("/high.m3u8", mediaPlaylist)
	serve("/html", "<html><body>not a stream</body></html>")

	// Master whose best variant is itself a master.
	serve("/nested.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\ninner.m3u8\n")
	serve("/inner.m3u8", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000\ndeep.m3u8\n")

	mux.HandleFunc("/ct.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		if r.Method != http.MethodHead {
			w.Write([]byte(mediaPlaylist))
		}
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(mediaPlaylist))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeContentTypeFastPath(t *testing.T) {
	srv := newTestServer(t)
	p := New(srv.Client(), nil, Config{})

	got := p.Probe(context.Background(), srv.URL+"/ct.m3u8")
	assert.True(t, got.OK)
	assert.Equal(t, ReasonContentType, got.Reason)
	assert.Equal(t, srv.URL+"/ct.m3u8", got.ResolvedURL)
}

func TestProbeMediaPlaylist(t *testing.T) {
	srv := newTestServer(t)
	p := New(srv.Client(), nil, Config{})

	got := p.Probe(context.Background(), srv.URL+"/media.m3u8")
	assert.True(t, got.OK)
	assert.Equal(t, ReasonMediaPlaylist, got.Reason)
	assert.Equal(t, srv.URL+"/media.m3u8", got.ResolvedURL)
}

func TestProbeMasterResolvesHighestBandwidth(t *testing.T) {
	srv := newTestServer(t)
	p := New(srv.Client(), nil, Config{})

	got := p.Probe(context.Background(), srv.URL+"/master.m3u8")
	require.True(t, got.OK)
	assert.Equal(t, ReasonMasterResolved, got.Reason)
	assert.Equal(t, srv.URL+"/high.m3u8", got.ResolvedURL,
		"3000000 beats 800000 and 1200000 regardless of declaration order")
}

func TestProbeNestedMasterRejected(t *testing.T) {
	srv := newTestServer(t)
	p := New(srv.Client(), nil, Config{})

	got := p.Probe(context.Background(), srv.URL+"/nested.m3u8")
	assert.False(t, got.OK)
	assert.Equal(t, ReasonNestedMaster, got.Reason)
}

func TestProbeRejections(t *testing.T) {
	srv := newTestServer(t)
	p := New(srv.Client(), nil, Config{})

	tests := []struct {
		name   string
		url    string
		reason string
	}{
		{"html body", srv.URL + "/html", ReasonNoSignature},
		{"not found", srv.URL + "/missing", ReasonBadStatus},
		{"relative url", "not-a-url", ReasonBadURL},
		{"unsupported scheme", "rtsp://example.com/stream", ReasonBadURL},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Probe(context.Background(), tc.url)
			assert.False(t, got.OK)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestProbeDeadlineIsRejectionNotError(t *testing.T) {
	srv := newTestServer(t)
	p := New(srv.Client(), nil, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	got := p.Probe(context.Background(), srv.URL+"/slow")
	assert.False(t, got.OK)
	assert.Equal(t, ReasonTimeout, got.Reason)
	assert.Less(t, time.Since(start), 450*time.Millisecond)
}

func TestProbeUnreachableHost(t *testing.T) {
	p := New(nil, nil, Config{Timeout: time.Second})
	got := p.Probe(context.Background(), "http://127.0.0.1:1/stream.m3u8")
	assert.False(t, got.OK)
	assert.Contains(t, []string{ReasonNetworkError, ReasonTimeout}, got.Reason)
}

func TestProbeCacheHit(t *testing.T) {
	srv := newTestServer(t)
	cache, err := OpenCache("", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	p := New(srv.Client(), cache, Config{})
	url := srv.URL + "/media.m3u8"

	first := p.Probe(context.Background(), url)
	require.True(t, first.OK)
	assert.False(t, first.Cached)

	// Second probe answers from the cache even with the origin gone.
	srv.Close()
	second := p.Probe(context.Background(), url)
	assert.True(t, second.OK)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ResolvedURL, second.ResolvedURL)
}

func TestProbeCacheStoresRejections(t *testing.T) {
	srv := newTestServer(t)
	cache, err := OpenCache("", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	p := New(srv.Client(), cache, Config{})
	url := srv.URL + "/html"

	first := p.Probe(context.Background(), url)
	require.False(t, first.OK)

	second := p.Probe(context.Background(), url)
	assert.False(t, second.OK)
	assert.True(t, second.Cached)
	assert.Equal(t, ReasonNoSignature, second.Reason)
}

func TestProbeTransientFailureNotCached(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			time.Sleep(300 * time.Millisecond)
			return
		}
		w.Write([]byte(mediaPlaylist))
	}))
	t.Cleanup(srv.Close)

	cache, err := OpenCache("", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	p := New(srv.Client(), cache, Config{Timeout: 50 * time.Millisecond})
	url := srv.URL + "/flaky.m3u8"

	first := p.Probe(context.Background(), url)
	require.False(t, first.OK)
	assert.Equal(t, ReasonTimeout, first.Reason)

	// Once the origin recovers, the next probe sees it live; the timeout was
	// not pinned in the cache.
	down.Store(false)
	second := p.Probe(context.Background(), url)
	assert.True(t, second.OK)
	assert.False(t, second.Cached)
}

func TestParseVariants(t *testing.T) {
	variants := parseVariants(masterPlaylist)
	require.Len(t, variants, 3)
	assert.Equal(t, int64(800000), variants[0].bandwidth)
	assert.Equal(t, "low.m3u8", variants[0].uri)
	assert.Equal(t, int64(3000000), variants[1].bandwidth)
	assert.Equal(t, "high.m3u8", variants[1].uri)

	t.Run("bandwidth after quoted attribute", func(t *testing.T) {
		got := parseVariants("#EXTM3U\n#EXT-X-STREAM-INF:CODECS=\"avc1,mp4a\",BANDWIDTH=1200000\nv.m3u8\n")
		require.Len(t, got, 1)
		assert.Equal(t, int64(1200000), got[0].bandwidth)
	})

	t.Run("missing bandwidth defaults to zero", func(t *testing.T) {
		got := parseVariants("#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=640x360\nv.m3u8\n")
		require.Len(t, got, 1)
		assert.Equal(t, int64(0), got[0].bandwidth)
	})

	t.Run("media playlist has none", func(t *testing.T) {
		assert.Empty(t, parseVariants(mediaPlaylist))
	})
}
