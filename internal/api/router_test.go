package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/catalog"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/engine"
	"github.com/datallboy/presetdl/internal/infra/config"
	"github.com/datallboy/presetdl/internal/infra/logger"
)

type fakeEngine struct {
	mu        sync.Mutex
	bus       *broadcast.Broadcaster
	submitted map[string][]domain.FileSpec
	forced    bool
	active    map[string]bool
	cancelled map[string]bool // id -> keepPartial
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		bus:       broadcast.New(),
		submitted: make(map[string][]domain.FileSpec),
		active:    make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeEngine) Submit(_ context.Context, id string, files []domain.FileSpec, force bool) (domain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range files {
		if strings.HasPrefix(file.Path, "..") {
			return domain.SubmitResult{}, fmt.Errorf("%w: bad path", engine.ErrInvalidSubmission)
		}
	}
	if f.active[id] && !force {
		return domain.SubmitResult{Outcome: domain.AlreadyActive, DownloadID: "dl-" + id}, nil
	}
	f.submitted[id] = files
	f.forced = force
	f.active[id] = true
	f.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadQueued, id, map[string]any{"total_files": len(files)}))
	return domain.SubmitResult{Outcome: domain.Accepted, DownloadID: "dl-" + id}, nil
}

func (f *fakeEngine) Status(id string) (*domain.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return nil, false
	}
	return &domain.Status{PresetID: id, DownloadID: "dl-" + id, Status: domain.GroupDownloading, TotalFiles: len(f.submitted[id])}, true
}

func (f *fakeEngine) List() []domain.Status { return nil }

func (f *fakeEngine) Pause(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeEngine) Resume(id string) bool { return false }

func (f *fakeEngine) Cancel(id string, keep bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return false
	}
	f.cancelled[id] = keep
	delete(f.active, id)
	return true
}

func (f *fakeEngine) QueueSnapshot() domain.QueueSnapshot {
	return domain.QueueSnapshot{QueuedPresetIDs: []string{"a"}, ActivePresetIDs: []string{}}
}

func (f *fakeEngine) Broadcaster() *broadcast.Broadcaster { return f.bus }

func setup(t *testing.T) (*echo.Echo, *fakeEngine) {
	cat, err := catalog.New(map[string]catalog.Preset{
		"sdxl": {Files: []domain.FileSpec{{Path: "checkpoints/sdxl.safetensors", URL: "https://example.com/sdxl"}}},
	})
	require.NoError(t, err)

	appCtx := app.NewContext(config.Default(), logger.Nop())
	appCtx.Catalog = cat

	fe := newFakeEngine()
	e := echo.New()
	RegisterRoutes(e, appCtx, fe)
	return e, fe
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDownload_ExplicitFiles(t *testing.T) {
	e, fe := setup(t)

	rec := do(e, http.MethodPost, "/api/presets/custom/download",
		`{"files":[{"path":"a.bin","url":"https://example.com/a","size":10}],"force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res domain.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.Accepted, res.Outcome)
	assert.Equal(t, "dl-custom", res.DownloadID)
	assert.True(t, fe.forced)
	assert.Equal(t, int64(10), fe.submitted["custom"][0].Size)
}

func TestDownload_ResolvesThroughCatalog(t *testing.T) {
	e, fe := setup(t)

	rec := do(e, http.MethodPost, "/api/presets/sdxl/download", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "checkpoints/sdxl.safetensors", fe.submitted["sdxl"][0].Path)

	rec = do(e, http.MethodPost, "/api/presets/sdxl/download", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.AlreadyActive))

	rec = do(e, http.MethodPost, "/api/presets/unknown/download", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload_InvalidSubmission(t *testing.T) {
	e, _ := setup(t)

	rec := do(e, http.MethodPost, "/api/presets/x/download",
		`{"files":[{"path":"../escape","url":"https://example.com/a"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/presets/x/download", `{"files":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/presets/sdxl/download?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndControls(t *testing.T) {
	e, fe := setup(t)

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/presets/sdxl/status", "").Code)
	require.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/presets/sdxl/download", "").Code)

	rec := do(e, http.MethodGet, "/api/presets/sdxl/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.TotalFiles)

	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/api/presets/sdxl/pause", "").Code)
	assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, "/api/presets/sdxl/resume", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/presets/sdxl/cancel?keep_partial=sometimes", "").Code)

	rec = do(e, http.MethodPost, "/api/presets/sdxl/cancel?keep_partial=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fe.cancelled["sdxl"])
	assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, "/api/presets/sdxl/cancel", "").Code)
}

func TestQueueAndCatalog(t *testing.T) {
	e, _ := setup(t)

	rec := do(e, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var q domain.QueueSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, []string{"a"}, q.QueuedPresetIDs)
	assert.Nil(t, q.CurrentPresetID)

	rec = do(e, http.MethodGet, "/api/catalog", "")
	assert.JSONEq(t, `{"presets":["sdxl"]}`, rec.Body.String())
}

func TestEvents_StreamsBroadcasts(t *testing.T) {
	e, fe := setup(t)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	var data string
	nextEvent := func() string {
		name := ""
		for lines.Scan() {
			line := lines.Text()
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok && name != "" {
				data = v
				return name
			}
		}
		return ""
	}

	// The snapshot arrives once the subscription is registered and has the
	// same payload as the engine's queue_updated events
	require.Equal(t, string(broadcast.QueueUpdated), nextEvent())
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, map[string]any{
		"current_preset_id": nil,
		"queued_preset_ids": []any{"a"},
		"active_preset_ids": []any{},
		"active_count":      float64(0),
	}, ev.Data)

	_, err = fe.Submit(ctx, "sdxl", []domain.FileSpec{{Path: "a", URL: "https://example.com/a"}}, false)
	require.NoError(t, err)
	assert.Equal(t, string(broadcast.DownloadQueued), nextEvent())
}
