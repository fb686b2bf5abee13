package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cascade-search/rlm/pkg/bus"
)

const (
	streamPollInterval = 100 * time.Millisecond
	streamKeepAlive    = 15 * time.Second
	streamMaxDuration  = 10 * time.Minute
)

// StreamSearch handles GET /search/:id/stream. Events are framed as
// `data: <json>` with a blank-line separator; comment lines keep idle
// connections alive. With replay=1 the full bus log is sent before
// switching to the live drain loop.
func (s *Server) StreamSearch(c *gin.Context) {
	searchID := c.Param("id")
	b, ok := s.svc.Bus(searchID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown search"})
		return
	}

	w := c.Writer
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	send := func(evt bus.Event) bool {
		data, err := json.Marshal(evt)
		if err != nil {
			s.log.Warn("dropping unencodable event", "kind", evt.Kind, "error", err)
			return false
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
		return bus.IsTerminal(evt.Kind)
	}
	finish := func() {
		// One post-terminal drain picks up stragglers emitted while the
		// terminal frame was in flight, then the bus leaves the registry.
		for _, evt := range b.Drain() {
			send(evt)
		}
		s.svc.ReleaseBus(searchID)
	}

	if c.Query("replay") == "1" {
		for _, evt := range b.Catchup() {
			if send(evt) {
				finish()
				return
			}
		}
	}

	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(streamKeepAlive)
	defer keepalive.Stop()
	deadline := time.NewTimer(streamMaxDuration)
	defer deadline.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			// Client went away. An unfinished search has no consumer left,
			// so it is cancelled rather than left running headless.
			if !b.Done() {
				b.Cancel()
			}
			s.svc.ReleaseBus(searchID)
			return
		case <-deadline.C:
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			w.Flush()
		case <-poll.C:
			for _, evt := range b.Drain() {
				if send(evt) {
					finish()
					return
				}
			}
		}
	}
}
