package testutils

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/pkg/demux"
)

// Steps a PeripheralScript can hold back so the test drives them by hand.
const (
	StepConnect   = "connect"
	StepDiscover  = "discover"
	StepSubscribe = "subscribe"
	StepWrite     = "write"
	StepRespond   = "respond"
)

// ServiceConfig describes one GATT service of a scripted peripheral.
type ServiceConfig struct {
	UUID            string   `json:"uuid"`
	Characteristics []string `json:"characteristics,omitempty"`
}

// PeripheralScript describes how a FakeTransport peripheral reacts.
//
// Errors are plain strings so scripts stay JSON. A nil ResponseStatus means the
// peripheral never answers the start request; ResponseRequestID overrides the
// echoed id to simulate a foreign response.
type PeripheralScript struct {
	Services          []ServiceConfig `json:"services"`
	ConnectError      string          `json:"connectError,omitempty"`
	DiscoveryError    string          `json:"discoveryError,omitempty"`
	SubscribeError    string          `json:"subscribeError,omitempty"`
	WriteError        string          `json:"writeError,omitempty"`
	ResponseStatus    *uint8          `json:"responseStatus,omitempty"`
	ResponseRequestID *uint8          `json:"responseRequestId,omitempty"`
	Hold              []string        `json:"hold,omitempty"`
}

// DefaultPeripheralScript is a sensor exposing the measurement profile that accepts the start request.
func DefaultPeripheralScript() PeripheralScript {
	ok := uint8(0)
	return PeripheralScript{
		Services: []ServiceConfig{
			{UUID: "1800", Characteristics: []string{"2a00"}},
			{UUID: catalog.DefaultProfile.Service, Characteristics: []string{catalog.DefaultProfile.Control, catalog.DefaultProfile.Data}},
		},
		ResponseStatus: &ok,
	}
}

// PeripheralScriptFromJSON parses a script, panicking on invalid JSON as it is test setup.
func PeripheralScriptFromJSON(jsonStrFmt string, args ...interface{}) PeripheralScript {
	var script PeripheralScript
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &script); err != nil {
		panic(fmt.Sprintf("PeripheralScriptFromJSON: failed to unmarshal: %v", err))
	}
	return script
}

// Call records one transport invocation.
type Call struct {
	Op             string
	Handle         device.Handle
	Address        string
	Characteristic string
	Data           []byte
}

func (c Call) String() string {
	switch c.Op {
	case "open":
		return fmt.Sprintf("open %s", c.Address)
	case "write":
		return fmt.Sprintf("write %s %s", device.NormalizeUUID(c.Characteristic), hex.EncodeToString(c.Data))
	case "subscribe":
		return fmt.Sprintf("subscribe %s", device.NormalizeUUID(c.Characteristic))
	default:
		return c.Op
	}
}

// FakeTransport is a scripted device.Transport.
//
// Events are delivered in order from a single dispatcher goroutine, never from
// inside a transport call, the same way real backends report completions.
type FakeTransport struct {
	mu      sync.Mutex
	script  PeripheralScript
	handler func(device.Event)
	next    device.Handle
	open    map[device.Handle]bool
	calls   []Call

	events chan device.Event
	stop   chan struct{}
	once   sync.Once
}

// NewFakeTransport starts a FakeTransport following script.
func NewFakeTransport(script PeripheralScript) *FakeTransport {
	f := &FakeTransport{
		script: script,
		open:   make(map[device.Handle]bool),
		events: make(chan device.Event, 1024),
		stop:   make(chan struct{}),
	}
	go f.dispatch()
	return f
}

func (f *FakeTransport) dispatch() {
	for {
		select {
		case <-f.stop:
			return
		case ev := <-f.events:
			f.mu.Lock()
			h := f.handler
			f.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}

// Stop terminates the dispatcher. Queued events are dropped.
func (f *FakeTransport) Stop() {
	f.once.Do(func() { close(f.stop) })
}

// Emit queues ev for delivery after everything already queued.
func (f *FakeTransport) Emit(ev device.Event) {
	select {
	case f.events <- ev:
	case <-f.stop:
	}
}

// Notify queues a notification on char for the current handle.
func (f *FakeTransport) Notify(char string, data []byte) {
	f.Emit(device.Event{Kind: device.EventNotification, Handle: f.CurrentHandle(), Characteristic: char, Data: data})
}

// Respond queues a control response for the current handle.
func (f *FakeTransport) Respond(requestID, status byte) {
	f.Notify(catalog.DefaultProfile.Control, demux.EncodeResponse(requestID, status))
}

// SendTelemetry queues a telemetry frame on the data characteristic.
func (f *FakeTransport) SendTelemetry(timestamp int32, values ...float32) {
	f.Notify(catalog.DefaultProfile.Data, demux.EncodeTelemetry(demux.TelemetrySample{Timestamp: timestamp, Values: values}))
}

// DropLink simulates the peripheral going away. The handle stays open so calls
// already in flight are not rejected.
func (f *FakeTransport) DropLink() {
	h := f.CurrentHandle()
	f.Emit(device.Event{Kind: device.EventDisconnected, Handle: h, Err: device.ErrNotConnected})
}

// CurrentHandle returns the most recently opened handle.
func (f *FakeTransport) CurrentHandle() device.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// Calls returns a copy of the recorded invocations.
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallLog renders Calls one per line.
func (f *FakeTransport) CallLog() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Writes returns the payloads written to any characteristic.
func (f *FakeTransport) Writes() [][]byte {
	var out [][]byte
	for _, c := range f.Calls() {
		if c.Op == "write" {
			out = append(out, c.Data)
		}
	}
	return out
}

// IsOpen reports whether h is an open connection.
func (f *FakeTransport) IsOpen(h device.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[h]
}

func (f *FakeTransport) held(step string) bool {
	return slices.Contains(f.script.Hold, step)
}

func (f *FakeTransport) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func scriptError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func (f *FakeTransport) SetEventHandler(handler func(device.Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *FakeTransport) OpenConnection(identity device.Identity) (device.Handle, error) {
	if strings.TrimSpace(identity.Address) == "" {
		return 0, errors.New("device address is empty")
	}

	f.mu.Lock()
	f.next++
	h := f.next
	f.open[h] = true
	f.calls = append(f.calls, Call{Op: "open", Handle: h, Address: identity.Address})
	f.mu.Unlock()

	if f.held(StepConnect) {
		return h, nil
	}
	if err := scriptError(f.script.ConnectError); err != nil {
		f.Emit(device.Event{Kind: device.EventConnectFailed, Handle: h, Err: err})
		return h, nil
	}
	f.Emit(device.Event{Kind: device.EventConnected, Handle: h})
	return h, nil
}

func (f *FakeTransport) CloseConnection(h device.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "close", Handle: h})
	if !f.open[h] {
		return fmt.Errorf("%w: %d", device.ErrUnknownHandle, h)
	}
	delete(f.open, h)
	return nil
}

func (f *FakeTransport) DiscoverServices(h device.Handle) error {
	f.record(Call{Op: "discover", Handle: h})
	if !f.IsOpen(h) {
		return fmt.Errorf("%w: %d", device.ErrNotConnected, h)
	}
	if f.held(StepDiscover) {
		return nil
	}
	if err := scriptError(f.script.DiscoveryError); err != nil {
		f.Emit(device.Event{Kind: device.EventDiscoveryFailed, Handle: h, Err: err})
		return nil
	}

	services := make([]device.ServiceInfo, 0, len(f.script.Services))
	for _, svc := range f.script.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID)}
		for _, c := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, device.NormalizeUUID(c))
		}
		services = append(services, info)
	}
	f.Emit(device.Event{Kind: device.EventServicesDiscovered, Handle: h, Services: services})
	return nil
}

func (f *FakeTransport) WriteCharacteristic(h device.Handle, char string, data []byte) error {
	f.record(Call{Op: "write", Handle: h, Characteristic: char, Data: append([]byte(nil), data...)})
	if !f.IsOpen(h) {
		return fmt.Errorf("%w: %d", device.ErrNotConnected, h)
	}
	if f.held(StepWrite) {
		return nil
	}
	if err := scriptError(f.script.WriteError); err != nil {
		f.Emit(device.Event{Kind: device.EventWriteAck, Handle: h, Characteristic: char, Err: err})
		return nil
	}
	f.Emit(device.Event{Kind: device.EventWriteAck, Handle: h, Characteristic: char})

	if f.script.ResponseStatus == nil || f.held(StepRespond) || len(data) < 3 {
		return nil
	}
	id := data[2]
	if f.script.ResponseRequestID != nil {
		id = *f.script.ResponseRequestID
	}
	f.Emit(device.Event{
		Kind:           device.EventNotification,
		Handle:         h,
		Characteristic: catalog.DefaultProfile.Control,
		Data:           demux.EncodeResponse(id, *f.script.ResponseStatus),
	})
	return nil
}

func (f *FakeTransport) EnableNotifications(h device.Handle, char string) error {
	f.record(Call{Op: "subscribe", Handle: h, Characteristic: char})
	if !f.IsOpen(h) {
		return fmt.Errorf("%w: %d", device.ErrNotConnected, h)
	}
	if f.held(StepSubscribe) {
		return nil
	}
	f.Emit(device.Event{Kind: device.EventSubscribed, Handle: h, Characteristic: char, Err: scriptError(f.script.SubscribeError)})
	return nil
}

var _ device.Transport = (*FakeTransport)(nil)
