// Package wsfeed fans session samples and state changes out to WebSocket clients.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/groutine"
	"github.com/srg/sensorstream/pkg/demux"
	"github.com/srg/sensorstream/session"
)

// Path is where Serve mounts the feed.
const Path = "/samples"

const (
	subscriberBuffer = 64
	pingInterval     = 20 * time.Second
	writeWait        = 5 * time.Second
)

// EventType classifies a feed event.
type EventType string

const (
	EventSample EventType = "sample"
	EventState  EventType = "state"
)

// Event is the JSON envelope sent to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StateData is the payload of an EventState.
type StateData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Hub broadcasts events to every connected client. A client whose buffer is
// full misses the event instead of stalling the publisher.
//
// Browsers are only let in from the page's own origin unless AllowOrigins
// widens that.
type Hub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	origins []string
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// AllowOrigins lets browser pages from these origins (e.g. "http://localhost:3000")
// connect in addition to same-origin ones. "*" allows any origin.
func (h *Hub) AllowOrigins(origins ...string) {
	normalized := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/")); o != "" {
			normalized = append(normalized, o)
		}
	}
	h.mu.Lock()
	h.origins = normalized
	h.mu.Unlock()
}

// checkOrigin accepts clients without an Origin header (non-browser tools),
// same-origin pages and the origins given to AllowOrigins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	h.mu.RLock()
	allowed := h.origins
	h.mu.RUnlock()

	if slices.Contains(allowed, "*") || slices.Contains(allowed, strings.ToLower(origin)) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Subscribe registers a client. The returned func unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish sends e to all current subscribers and reports how many missed it.
func (h *Hub) Publish(e Event) (missed int) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			missed++
		}
	}
	return missed
}

func (h *Hub) PublishSample(s demux.TelemetrySample) int {
	return h.Publish(Event{Type: EventSample, Data: s})
}

func (h *Hub) PublishState(ch session.StateChange) int {
	data := StateData{From: ch.From.String(), To: ch.To.String()}
	if ch.Reason != nil {
		data.Reason = ch.Reason.Error()
	}
	return h.Publish(Event{Type: EventState, Timestamp: ch.At, Data: data})
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("origin", r.Header.Get("Origin")).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsub := h.Subscribe()
	defer unsub()

	logger := h.logger.WithField("remote", r.RemoteAddr)
	logger.Debug("Feed client connected")
	defer logger.Debug("Feed client disconnected")

	// Reads are only needed to notice a closed connection.
	gone := make(chan struct{})
	groutine.Go(r.Context(), "wsfeed-reader", func(context.Context) {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.WithError(err).Debug("Feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Serve listens on addr and serves the hub at Path until ctx ends.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "wsfeed-server", func(context.Context) {
		errCh <- srv.ListenAndServe()
	})
	h.logger.WithField("addr", addr).Info("Serving sample feed")

	select {
	case err := <-errCh:
		return fmt.Errorf("sample feed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("sample feed shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
