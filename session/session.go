// Package session drives one peripheral through connect, service discovery,
// stream configuration and telemetry streaming.
//
// All state lives in a single actor goroutine. Transport callbacks and owner
// commands reach it as messages, so two events never interleave a transition.
// The owner observes progress through StateChanges and consumes decoded
// telemetry from Samples.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/groutine"
	"github.com/srg/sensorstream/internal/ringchan"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/pkg/demux"
)

const (
	DefaultSampleBuffer = 256
	DefaultStateBuffer  = 32
	inboxSize           = 64
)

// Options configures a Session. Zero values select the defaults.
type Options struct {
	Stream       catalog.StreamConfig
	Profile      catalog.Profile
	SampleBuffer int
	StateBuffer  int
	Logger       *logrus.Logger
}

// Stats counts frames the session discarded or delivered.
type Stats struct {
	Samples   uint64 // telemetry samples emitted
	Dropped   uint64 // samples overwritten because the consumer lagged
	Malformed uint64 // frames too short or structurally wrong
	Foreign   uint64 // frames of unknown type, stream or characteristic
	Stale     uint64 // events for a released handle, responses with a mismatched id, telemetry outside Streaming
}

type stats struct {
	samples, dropped, malformed, foreign, stale atomic.Uint64
}

// pending is the single outstanding control request.
type pending struct {
	requestID byte
	onMatch   func(demux.ResponseFrame)
}

type connectCmd struct {
	identity device.Identity
	reply    chan error
}

type disconnectCmd struct{}

type transportEvent struct {
	ev device.Event
}

// Session is one connect-to-stream lifecycle against a single peripheral.
type Session struct {
	transport device.Transport
	logger    *logrus.Logger
	profile   catalog.Profile
	stream    catalog.StreamConfig
	frame     catalog.ControlFrame
	channels  int

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	samples *ringchan.RingChannel[demux.TelemetrySample]
	changes *ringchan.RingChannel[StateChange]
	stats   stats

	mu       sync.RWMutex
	snapshot Snapshot

	// owned by the actor goroutine
	state     State
	reason    error
	handle    device.Handle
	hasHandle bool
	peer      device.Identity
	pending   *pending
	written   bool
	spent     bool
}

// New validates the stream configuration and starts the session actor.
// An unsupported configuration is rejected here, before any transport call.
func New(transport device.Transport, opts Options) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Stream == (catalog.StreamConfig{}) {
		opts.Stream = catalog.DefaultStream
	}
	if opts.Profile == (catalog.Profile{}) {
		opts.Profile = catalog.DefaultProfile
	}
	if opts.SampleBuffer <= 0 {
		opts.SampleBuffer = DefaultSampleBuffer
	}
	if opts.StateBuffer <= 0 {
		opts.StateBuffer = DefaultStateBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	frame, err := catalog.BuildStartStreamCommand(opts.Stream)
	if err != nil {
		return nil, err
	}
	n, err := catalog.ChannelCount(opts.Stream)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport: transport,
		logger:    opts.Logger,
		profile:   opts.Profile,
		stream:    opts.Stream,
		frame:     frame,
		channels:  n,
		inbox:     make(chan any, inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		samples:   ringchan.New[demux.TelemetrySample](opts.SampleBuffer),
		changes:   ringchan.New[StateChange](opts.StateBuffer),
		snapshot:  Snapshot{State: Disconnected, Stream: opts.Stream},
	}

	transport.SetEventHandler(func(ev device.Event) {
		s.post(transportEvent{ev: ev})
	})
	groutine.Go(ctx, "session-actor", s.run)
	return s, nil
}

// post delivers m to the actor unless the session is closed.
func (s *Session) post(m any) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Connect starts a connection attempt to identity.
//
// It returns once the actor has accepted or rejected the request; progress is
// reported through StateChanges. ErrSessionBusy is returned while an attempt
// or stream is in progress, ErrSessionSpent once the session has streamed or
// failed fatally.
func (s *Session) Connect(identity device.Identity) error {
	reply := make(chan error, 1)
	if !s.post(connectCmd{identity: identity, reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// Disconnect enqueues a teardown. It is effective from any state and the
// session always ends in Disconnected.
func (s *Session) Disconnect() {
	s.post(disconnectCmd{})
}

// State returns the current snapshot.
func (s *Session) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// StateChanges delivers every transition. The oldest change is dropped when the
// owner lags; the channel closes on Close.
func (s *Session) StateChanges() <-chan StateChange {
	return s.changes.C()
}

// Samples delivers decoded telemetry while Streaming. It closes when the
// session leaves Streaming and is never reopened.
func (s *Session) Samples() <-chan demux.TelemetrySample {
	return s.samples.C()
}

func (s *Session) Stats() Stats {
	return Stats{
		Samples:   s.stats.samples.Load(),
		Dropped:   s.stats.dropped.Load(),
		Malformed: s.stats.malformed.Load(),
		Foreign:   s.stats.foreign.Load(),
		Stale:     s.stats.stale.Load(),
	}
}

// Close releases the connection, stops the actor and closes both channels.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			switch m := m.(type) {
			case connectCmd:
				m.reply <- s.connect(m.identity)
			case disconnectCmd:
				s.disconnect()
			case transportEvent:
				s.handleEvent(m.ev)
			}
		}
	}
}

func (s *Session) shutdown() {
	s.disconnect()
	s.samples.Close()
	s.changes.Close()
	close(s.done)
}

func (s *Session) log() *logrus.Entry {
	fields := logrus.Fields{"state": s.state.String()}
	if s.peer.Address != "" {
		fields["address"] = s.peer.Address
	}
	if s.hasHandle {
		fields["handle"] = s.handle
	}
	return s.logger.WithFields(fields)
}

// publish refreshes the snapshot read by State.
func (s *Session) publish() {
	s.mu.Lock()
	s.snapshot = Snapshot{State: s.state, Reason: s.reason, Peer: s.peer, Stream: s.stream, Pending: s.pending != nil}
	s.mu.Unlock()
}

func (s *Session) transition(to State, reason error) {
	from := s.state
	s.state = to

	s.reason = reason
	s.publish()

	if from == Streaming && to != Streaming {
		s.markSpent()
	}

	entry := s.log().WithField("from", from.String())
	if reason != nil {
		entry.WithError(reason).Warn("Session state changed")
	} else {
		entry.Info("Session state changed")
	}
	s.changes.Send(StateChange{From: from, To: to, Reason: reason, At: time.Now()})
}

func (s *Session) connect(identity device.Identity) error {
	if s.state.busy() {
		return fmt.Errorf("%w: %s", ErrSessionBusy, s.state)
	}
	if s.spent {
		return ErrSessionSpent
	}

	s.peer = identity
	s.written = false
	s.transition(Connecting, nil)

	h, err := s.transport.OpenConnection(identity)
	if err != nil {
		s.fail(ErrConnectionFailed, err)
		return nil
	}
	s.handle, s.hasHandle = h, true
	return nil
}

// release drops the connection handle and any pending request.
func (s *Session) release(closeLink bool) {
	if s.hasHandle && closeLink {
		if err := s.transport.CloseConnection(s.handle); err != nil {
			s.log().WithError(err).Debug("Close connection reported an error")
		}
	}
	s.hasHandle = false
	s.handle = 0
	s.pending = nil
}

func (s *Session) disconnect() {
	if s.state == Disconnected {
		return
	}
	s.release(true)
	s.transition(Disconnected, nil)
}

// fail closes the connection and enters Error.
func (s *Session) fail(kind, cause error) {
	reason := wrap(kind, cause)
	s.release(true)
	if fatal(reason) {
		s.markSpent()
	}
	s.transition(Error, reason)
}

// markSpent rules out another Connect and ends Samples, since no stream can follow.
func (s *Session) markSpent() {
	s.spent = true
	s.samples.Close()
}

func (s *Session) handleEvent(ev device.Event) {
	if !s.hasHandle || ev.Handle != s.handle {
		s.stats.stale.Add(1)
		s.logger.WithFields(logrus.Fields{"event": ev.Kind.String(), "handle": ev.Handle}).Debug("Discarding event for released handle")
		return
	}

	switch ev.Kind {
	case device.EventConnected:
		s.onConnected()
	case device.EventConnectFailed, device.EventDiscoveryFailed:
		s.fail(ErrConnectionFailed, ev.Err)
	case device.EventServicesDiscovered:
		s.onServices(ev.Services)
	case device.EventSubscribed:
		s.onSubscribed(ev)
	case device.EventWriteAck:
		if ev.Err != nil {
			s.fail(ErrConnectionFailed, fmt.Errorf("write start request: %w", ev.Err))
		}
	case device.EventNotification:
		s.onNotification(ev.Characteristic, ev.Data)
	case device.EventDisconnected:
		s.onDisconnected(ev.Err)
	}
}

func (s *Session) onConnected() {
	if s.state != Connecting {
		s.stats.stale.Add(1)
		return
	}
	s.transition(ServiceDiscovery, nil)
	if err := s.transport.DiscoverServices(s.handle); err != nil {
		s.fail(ErrConnectionFailed, err)
	}
}

func (s *Session) onServices(services []device.ServiceInfo) {
	if s.state != ServiceDiscovery {
		s.stats.stale.Add(1)
		return
	}
	if err := s.checkProfile(services); err != nil {
		s.fail(ErrServiceNotFound, err)
		return
	}

	s.transition(Configuring, nil)
	if err := s.transport.EnableNotifications(s.handle, s.profile.Control); err != nil {
		s.fail(ErrConnectionFailed, err)
	}
}

// checkProfile verifies that services expose the measurement service with
// both of its characteristics.
func (s *Session) checkProfile(services []device.ServiceInfo) error {
	for _, svc := range services {
		if !device.SameUUID(svc.UUID, s.profile.Service) {
			continue
		}
		for _, want := range []string{s.profile.Control, s.profile.Data} {
			if !slices.ContainsFunc(svc.Characteristics, func(c string) bool { return device.SameUUID(c, want) }) {
				return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.profile.Service, want}}
			}
		}
		return nil
	}
	return &device.NotFoundError{Resource: "service", UUIDs: []string{s.profile.Service}}
}

func (s *Session) onSubscribed(ev device.Event) {
	switch {
	case ev.Err != nil && (s.state == Configuring || s.state == Streaming):
		s.fail(ErrConnectionFailed, fmt.Errorf("enable notifications on %s: %w", ev.Characteristic, ev.Err))
	case s.state == Configuring && device.SameUUID(ev.Characteristic, s.profile.Control) && !s.written:
		s.writeStartRequest()
	case s.state == Streaming && device.SameUUID(ev.Characteristic, s.profile.Data):
		s.log().Debug("Telemetry notifications enabled")
	default:
		s.stats.stale.Add(1)
	}
}

func (s *Session) writeStartRequest() {
	s.written = true
	s.pending = &pending{requestID: s.frame.RequestID(), onMatch: s.onStartResponse}
	s.publish()
	s.log().WithField("request", s.frame.String()).Debug("Sending start request")
	if err := s.transport.WriteCharacteristic(s.handle, s.profile.Control, s.frame.Bytes()); err != nil {
		s.fail(ErrConnectionFailed, err)
	}
}

func (s *Session) onStartResponse(resp demux.ResponseFrame) {
	if !resp.OK() {
		s.fail(&RejectedError{RequestID: resp.RequestID, Status: resp.Status}, nil)
		return
	}
	s.transition(Streaming, nil)
	if err := s.transport.EnableNotifications(s.handle, s.profile.Data); err != nil {
		s.fail(ErrConnectionFailed, err)
	}
}

func (s *Session) source(char string) (demux.Source, bool) {
	switch {
	case device.SameUUID(char, s.profile.Control):
		return demux.SourceControl, true
	case device.SameUUID(char, s.profile.Data):
		return demux.SourceData, true
	default:
		return 0, false
	}
}

func (s *Session) onNotification(char string, frame []byte) {
	src, ok := s.source(char)
	if !ok {
		s.stats.foreign.Add(1)
		return
	}

	switch demux.Classify(src, frame) {
	case demux.ControlResponse:
		s.onResponse(frame)
	case demux.Telemetry:
		s.onTelemetry(frame)
	default:
		s.stats.foreign.Add(1)
		s.log().WithFields(logrus.Fields{"source": src.String(), "bytes": len(frame)}).Debug("Discarding unknown frame")
	}
}

func (s *Session) onResponse(frame []byte) {
	resp, err := demux.ParseResponse(frame)
	if err != nil {
		s.stats.malformed.Add(1)
		s.log().WithError(err).Debug("Discarding control response")
		return
	}
	if s.state != Configuring || s.pending == nil || resp.RequestID != s.pending.requestID {
		s.stats.stale.Add(1)
		s.log().WithField("request_id", resp.RequestID).Debug("Discarding unmatched control response")
		return
	}

	p := s.pending
	s.pending = nil
	s.publish()
	p.onMatch(resp)
}

func (s *Session) onTelemetry(frame []byte) {
	if s.state != Streaming {
		s.stats.stale.Add(1)
		return
	}
	sample, err := demux.DecodeTelemetry(frame, s.channels)
	if err != nil {
		if errors.Is(err, demux.ErrForeignFrame) {
			s.stats.foreign.Add(1)
		} else {
			s.stats.malformed.Add(1)
		}
		s.log().WithError(err).Debug("Discarding telemetry frame")
		return
	}

	s.stats.samples.Add(1)
	if s.samples.Send(sample) {
		s.stats.dropped.Add(1)
	}
}

func (s *Session) onDisconnected(cause error) {
	if s.state == Disconnected || s.state == Error {
		s.stats.stale.Add(1)
		return
	}
	s.log().WithError(cause).Warn("Peripheral disconnected")
	s.release(false)
	s.transition(Disconnected, nil)
}
