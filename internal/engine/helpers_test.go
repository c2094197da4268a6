package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/infra/config"
	"github.com/datallboy/presetdl/internal/infra/logger"
	"github.com/datallboy/presetdl/internal/store"
)

// fileServer serves in-memory files with optional per-chunk delays and
// byte range support, and records what it was asked for.
type fileServer struct {
	mu          sync.Mutex
	files       map[string][]byte
	status      map[string]int // forced status per path
	failFirst   map[string]int // serve 500 this many times first
	hits        map[string]int
	ranges      []string
	ignoreRange bool

	chunk int
	delay time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFileServer() *fileServer {
	return &fileServer{
		files:     make(map[string][]byte),
		status:    make(map[string]int),
		failFirst: make(map[string]int),
		hits:      make(map[string]int),
		chunk:     16 * 1024,
	}
}

func (s *fileServer) start(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func (s *fileServer) add(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

func (s *fileServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *fileServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.hits[r.URL.Path]++
	if rng := r.Header.Get("Range"); rng != "" {
		s.ranges = append(s.ranges, rng)
	}
	data, ok := s.files[r.URL.Path]
	code := s.status[r.URL.Path]
	failing := s.failFirst[r.URL.Path] > 0
	if failing {
		s.failFirst[r.URL.Path]--
	}
	ignoreRange := s.ignoreRange
	s.mu.Unlock()

	switch {
	case code != 0:
		w.WriteHeader(code)
		return
	case failing:
		w.WriteHeader(http.StatusInternalServerError)
		return
	case !ok:
		http.NotFound(w, r)
		return
	}

	start := 0
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" && !ignoreRange {
		off, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		if err != nil || off >= len(data) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start = off
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(data)-1, len(data)))
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)-start))
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	for off := start; off < len(data); off += s.chunk {
		end := min(off+s.chunk, len(data))
		if _, err := w.Write(data[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if s.delay > 0 && end < len(data) {
			select {
			case <-time.After(s.delay):
			case <-r.Context().Done():
				return
			}
		}
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Download.OutDir = t.TempDir()
	cfg.Download.ChunkSize = 4096
	cfg.Download.ProgressInterval = 10 * time.Millisecond
	cfg.Download.CompletedGrace = time.Minute
	cfg.Download.ConnectTimeout = 5 * time.Second
	cfg.Retry = config.RetryConfig{MaxRetries: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	cfg.Store.Driver = config.StoreNone
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, st app.Store) *Manager {
	if st == nil {
		st = store.NopStore{}
	}
	appCtx := app.NewContext(cfg, logger.Nop())
	appCtx.Store = st
	m := NewManager(appCtx, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitStatus(t *testing.T, m *Manager, presetID string, want domain.GroupStatus) *domain.Status {
	t.Helper()
	var last *domain.Status
	require.Eventually(t, func() bool {
		st, ok := m.Status(presetID)
		if !ok {
			return false
		}
		last = st
		return st.Status == want
	}, 10*time.Second, 5*time.Millisecond, "preset %s never reached %s", presetID, want)
	return last
}

func waitFile(t *testing.T, m *Manager, presetID string, cond func(domain.TaskSnapshot) bool) domain.TaskSnapshot {
	t.Helper()
	var snap domain.TaskSnapshot
	require.Eventually(t, func() bool {
		st, ok := m.Status(presetID)
		if !ok || len(st.Files) == 0 {
			return false
		}
		snap = st.Files[0]
		return cond(snap)
	}, 10*time.Second, time.Millisecond)
	return snap
}

func (m *Manager) draining(presetID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stopping[presetID]
	return ok
}
