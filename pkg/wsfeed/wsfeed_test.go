package wsfeed

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/pkg/demux"
	"github.com/srg/sensorstream/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireEvent struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub(logrus.New())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond,
		"client MUST be registered after the upgrade")

	hub.PublishState(session.StateChange{From: session.Configuring, To: session.Streaming, At: time.Now()})
	hub.PublishSample(demux.TelemetrySample{Timestamp: 1000, Values: []float32{1, -2.5, 0}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var state wireEvent
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, EventState, state.Type)
	assert.Equal(t, "Streaming", state.Data["to"])
	assert.NotContains(t, state.Data, "reason")

	var sample wireEvent
	require.NoError(t, conn.ReadJSON(&sample))
	assert.Equal(t, EventSample, sample.Type)
	assert.Equal(t, float64(1000), sample.Data["timestamp"])
	assert.Equal(t, []any{float64(1), -2.5, float64(0)}, sample.Data["values"])
}

func TestHubStateReason(t *testing.T) {
	hub := NewHub(nil)
	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.PublishState(session.StateChange{From: session.Configuring, To: session.Error, Reason: errors.New("boom")})
	e := <-ch
	assert.Equal(t, StateData{From: "Configuring", To: "Error", Reason: "boom"}, e.Data)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	_, unsub := hub.Subscribe()

	missed := 0
	for i := 0; i < subscriberBuffer+3; i++ {
		missed += hub.PublishSample(demux.TelemetrySample{Timestamp: int32(i)})
	}
	assert.Equal(t, 3, missed, "publish MUST NOT block on a full subscriber")

	unsub()
	unsub()
	assert.Zero(t, hub.Len())
	assert.Zero(t, hub.PublishSample(demux.TelemetrySample{}))
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond,
		"closed client MUST be unregistered")
}

func dialFrom(srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	return websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
}

func TestOriginPolicy(t *testing.T) {
	// GOAL: Verify only same-origin pages and explicitly allowed origins can subscribe
	//
	// TEST SCENARIO: dial with an Origin header → same host accepted, foreign host
	// refused with 403 and never registered, allowed and "*" origins accepted

	tests := []struct {
		name   string
		allow  []string
		origin func(srv *httptest.Server) string
		ok     bool
	}{
		{name: "same origin", origin: func(srv *httptest.Server) string { return srv.URL }, ok: true},
		{name: "foreign origin", origin: func(*httptest.Server) string { return "http://evil.example" }},
		{name: "allowed origin", allow: []string{"http://localhost:3000/"}, origin: func(*httptest.Server) string { return "http://LOCALHOST:3000" }, ok: true},
		{name: "other origin with allow list", allow: []string{"http://localhost:3000"}, origin: func(*httptest.Server) string { return "http://evil.example" }},
		{name: "any origin", allow: []string{"*"}, origin: func(*httptest.Server) string { return "http://evil.example" }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(nil)
			hub.AllowOrigins(tt.allow...)
			srv := httptest.NewServer(hub)
			defer srv.Close()

			conn, resp, err := dialFrom(srv, tt.origin(srv))
			if tt.ok {
				require.NoError(t, err)
				defer conn.Close()
				assert.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Zero(t, hub.Len(), "a refused origin MUST NOT be subscribed")
		})
	}
}
