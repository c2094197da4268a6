package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/checksum"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/retry"
)

// Downloader performs one file transfer with progress reporting and
// cooperative interruption through the context it is given.
type Downloader struct {
	ctx    *app.Context
	client *http.Client
	writer *FileWriter
	bus    *broadcast.Broadcaster

	chunkSize int
	interval  time.Duration
	userAgent string
}

func NewDownloader(ctx *app.Context, writer *FileWriter, bus *broadcast.Broadcaster) *Downloader {
	cfg := ctx.Config.Download
	return &Downloader{
		ctx:       ctx,
		client:    newHTTPClient(cfg.ConnectTimeout),
		writer:    writer,
		bus:       bus,
		chunkSize: cfg.ChunkSize,
		interval:  cfg.ProgressInterval,
		userAgent: cfg.UserAgent,
	}
}

// newHTTPClient bounds connection setup but never the transfer itself;
// model files take as long as they take.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Fetch runs a single attempt for t. On success the file sits at
// t.DestPath and the task is completed. Any error leaves the task status
// to the caller; a cancelled ctx surfaces its cause.
func (d *Downloader) Fetch(ctx context.Context, t *domain.Task) error {
	if err := validateURL(t.URL); err != nil {
		return err
	}

	part := t.PartPath()
	offset, err := d.writer.PartSize(part)
	if err != nil {
		return fmt.Errorf("failed to inspect partial file: %w", err)
	}

	size := t.Size()
	switch {
	case size > 0 && offset == size:
		// A previous attempt got every byte but stopped before finalizing
		t.StartTransfer(offset)
		return d.finish(ctx, t, part)
	case size > 0 && offset > size:
		d.ctx.Logger.Warn("Partial file for %s is larger than expected, restarting", t.Path)
		if err := d.writer.Discard(part); err != nil {
			return err
		}
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return domain.NewInvalidError(err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return interrupted(ctx, err)
	}
	defer resp.Body.Close()

	var total int64 = -1
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, full, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start != offset {
			// The server answered a different range; start over next attempt
			_ = d.writer.Discard(part)
			return domain.NewTransportError(fmt.Errorf("server resumed at byte %d, expected %d", start, offset))
		}
		if full > 0 {
			total = full
		} else if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusOK:
		if offset > 0 {
			d.ctx.Logger.Debug("Server ignored range request for %s, restarting", t.Path)
		}
		offset = 0
		total = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		_ = d.writer.Discard(part)
		return domain.NewTransportError(domain.ErrRangeNotSatisfiable)
	default:
		return retry.StatusError(resp.StatusCode)
	}

	if total > 0 {
		if size > 0 && size != total {
			d.ctx.Logger.Warn("Size mismatch for %s: declared %d bytes, server reports %d", t.Path, size, total)
		}
		t.SetSize(total)
	}

	if err := d.writer.Reset(part, offset); err != nil {
		return err
	}

	// The counter may only move here, before the task is downloading again
	t.StartTransfer(offset)

	if err := d.stream(ctx, t, resp.Body, part, offset); err != nil {
		_ = d.writer.CloseFile(part)
		return err
	}
	if err := d.writer.CloseFile(part); err != nil {
		return err
	}

	return d.finish(ctx, t, part)
}

// stream copies body into part starting at offset, one chunk at a time.
func (d *Downloader) stream(ctx context.Context, t *domain.Task, body io.Reader, part string, offset int64) error {
	buf := make([]byte, d.chunkSize)
	tracker := newProgressTracker(d.interval)
	written := offset

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			// Pause and cancel take effect before the next chunk lands on disk
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}

			if err := d.writer.WriteAt(part, buf[:n], written); err != nil {
				return fmt.Errorf("write error: %w", err)
			}
			written += int64(n)

			size := t.Size()
			speed := tracker.observe(time.Now(), written)
			t.AddBytes(int64(n), speed, estimate(speed, written, size))
			tracker.publish(func() { d.emitProgress(t) })
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return interrupted(ctx, rerr)
		}
	}

	d.emitProgress(t)

	if size := t.Size(); size > 0 && written < size {
		return domain.NewTransportError(fmt.Errorf("%w: got %d of %d bytes", domain.ErrShortBody, written, size))
	}
	return nil
}

// finish verifies the part file when a checksum is known and moves it into
// place.
func (d *Downloader) finish(ctx context.Context, t *domain.Task, part string) error {
	verification := domain.NotChecked

	if t.Checksum != "" {
		expected, err := checksum.Parse(t.Checksum)
		if err != nil {
			d.ctx.Logger.Warn("Skipping verification of %s: %v", t.Path, err)
		} else {
			if err := checksum.VerifyFile(ctx, part, expected); err != nil {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				if errors.Is(err, domain.ErrChecksumMismatch) {
					// Neither the part nor a stale destination may survive a mismatch
					_ = d.writer.Discard(part)
					_ = d.writer.Discard(t.DestPath)
					return domain.NewIntegrityError(err)
				}
				return fmt.Errorf("verification of %s failed: %w", t.Path, err)
			}
			verification = domain.Verified
		}
	}

	if err := d.writer.Finalize(part, t.DestPath); err != nil {
		return err
	}
	t.Complete(verification)
	return nil
}

func (d *Downloader) emitProgress(t *domain.Task) {
	s := t.Snapshot()
	d.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadProgress, t.PresetID, map[string]any{
		"path":       s.Path,
		"downloaded": s.Downloaded,
		"total":      s.Total,
		"progress":   s.Progress,
		"speed":      s.Speed,
		"eta":        s.ETASeconds,
	}))
}

// interrupted prefers the pause or cancel cause over the transport error a
// cancelled request produces.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return retry.Classify(err)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.NewInvalidError(fmt.Errorf("malformed url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.NewInvalidError(fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return domain.NewInvalidError(fmt.Errorf("url %q has no host", raw))
	}
	return nil
}

// parseContentRange reads "bytes start-end/total". total is -1 when the
// server sends "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes ") {
		return 0, 0, false
	}
	spec, size, found := strings.Cut(strings.TrimPrefix(h, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}
