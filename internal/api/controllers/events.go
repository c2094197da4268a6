package controllers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/presetdl/internal/broadcast"
)

const (
	sseBuffer    = 512
	sseKeepAlive = 15 * time.Second
)

// HandleEvents streams engine events as Server-Sent Events until the client
// goes away or falls too far behind.
func (ctrl *PresetController) HandleEvents(c *echo.Context) error {
	var w http.ResponseWriter = c.Response()
	rc := http.NewResponseController(w)

	sub := ctrl.Engine.Broadcaster().Subscribe(sseBuffer)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Late subscribers start from the current queue
	snapshot := broadcast.NewEvent(broadcast.QueueUpdated, "", ctrl.Engine.QueueSnapshot().EventData())
	if err := writeEvent(w, snapshot); err != nil {
		return nil
	}
	_ = rc.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return nil
			}
		case ev, ok := <-sub.Events():
			if !ok {
				ctrl.App.Logger.Debug("Event stream %s dropped", sub.ID)
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				return nil
			}
		}
		if err := rc.Flush(); err != nil {
			return nil
		}
	}
}

func writeEvent(w io.Writer, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
