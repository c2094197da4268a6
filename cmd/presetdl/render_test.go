package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datallboy/presetdl/internal/domain"
)

func TestBar(t *testing.T) {
	assert.Contains(t, bar(0.5), " 50%")
	assert.Contains(t, bar(1), "100%")
	assert.NotContains(t, bar(domain.ProgressIndeterminate), "%")
	assert.NotPanics(t, func() { bar(1.5) })
}

func TestProgressView(t *testing.T) {
	var buf bytes.Buffer
	v := newProgressView(&buf)

	v.submitted("sdxl", domain.SubmitResult{Outcome: domain.NoWork})
	v.fail("flux", errors.New("unknown preset"))
	v.status(&domain.Status{
		PresetID:   "sdxl",
		Progress:   0.25,
		Completed:  1,
		TotalFiles: 4,
		Downloaded: 1 << 30,
		Total:      4 << 30,
		Files: []domain.TaskSnapshot{
			{Path: "vae.safetensors", Status: domain.TaskDownloading, Speed: 1 << 20, ETASeconds: 90},
		},
	})
	v.finished(&domain.Status{PresetID: "sdxl", Status: domain.GroupCompletedWithFailures, Completed: 3, Failed: 1, TotalFiles: 4})

	out := buf.String()
	assert.Contains(t, out, "sdxl already present")
	assert.Contains(t, out, "flux: unknown preset")
	assert.Contains(t, out, "1.0 GiB / 4.0 GiB")
	assert.Contains(t, out, "vae.safetensors 1.0 MiB/s")
	assert.Contains(t, out, "eta 1m30s")
	assert.Contains(t, out, "3/4 completed, 1 failed")
}

type fixedStatus map[string]*domain.Status

func (f fixedStatus) Status(id string) (*domain.Status, bool) {
	st, ok := f[id]
	return st, ok
}

func TestPoll_SettlesFinishedAndEvicted(t *testing.T) {
	var buf bytes.Buffer
	v := newProgressView(&buf)

	src := fixedStatus{
		"done":    {PresetID: "done", Status: domain.GroupCompleted, Completed: 1, TotalFiles: 1},
		"running": {PresetID: "running", Status: domain.GroupDownloading, Progress: 0.5, TotalFiles: 2},
	}
	pending := map[string]bool{"done": true, "running": true, "evicted": true}

	failed := poll(src, pending, v)
	assert.True(t, failed, "an evicted group has no known outcome")
	assert.Equal(t, map[string]bool{"running": true}, pending)
	assert.Contains(t, buf.String(), "evicted: download is gone")

	src["running"].Status = domain.GroupCompleted
	assert.False(t, poll(src, pending, v))
	assert.Empty(t, pending)
}
