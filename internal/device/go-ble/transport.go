package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/groutine"
)

// DeviceFactory creates the ble.Device backing scans and connections (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

var (
	sharedMu  sync.Mutex
	sharedDev ble.Device
)

// sharedDevice returns the process-wide ble.Device, creating it on first use.
// Scanning and connecting must go through the same adapter instance.
func sharedDevice() (ble.Device, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedDev != nil {
		return sharedDev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	sharedDev = dev
	return dev, nil
}

// ----------------------------
// Transport
// ----------------------------

// link is the per-handle connection state.
type link struct {
	address string
	ctx     context.Context
	cancel  context.CancelFunc
	client  ble.Client
	chars   map[string]*ble.Characteristic
}

// Transport implements device.Transport on top of go-ble.
//
// Each operation runs on its own labelled goroutine and reports completion
// through the event handler.
type Transport struct {
	logger *logrus.Logger

	mu      sync.Mutex
	handler func(device.Event)
	next    device.Handle
	links   map[device.Handle]*link
}

// NewTransport creates a go-ble transport.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		links:  make(map[device.Handle]*link),
	}
}

// SetEventHandler registers the callback receiving all transport events.
func (t *Transport) SetEventHandler(handler func(device.Event)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *Transport) emit(ev device.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	if h == nil {
		t.logger.WithField("event", ev.Kind).Debug("Dropping transport event, no handler registered")
		return
	}
	h(ev)
}

// lookup returns the live link for h.
func (t *Transport) lookup(h device.Handle) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", device.ErrUnknownHandle, h)
	}
	return l, nil
}

// connected returns the link's client, or ErrNotConnected before the dial completes.
func (t *Transport) connected(h device.Handle) (*link, ble.Client, error) {
	l, err := t.lookup(h)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	client := l.client
	t.mu.Unlock()
	if client == nil {
		return nil, nil, fmt.Errorf("%w: handle %d has no live client", device.ErrNotConnected, h)
	}
	return l, client, nil
}

// OpenConnection dials the peripheral; the outcome arrives as EventConnected or EventConnectFailed.
func (t *Transport) OpenConnection(identity device.Identity) (device.Handle, error) {
	address := strings.TrimSpace(identity.Address)
	if address == "" {
		return 0, fmt.Errorf("device address is empty")
	}

	dev, err := sharedDevice()
	if err != nil {
		return 0, fmt.Errorf("failed to create BLE device: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{address: address, ctx: ctx, cancel: cancel}

	t.mu.Lock()
	t.next++
	h := t.next
	t.links[h] = l
	t.mu.Unlock()

	log := t.logger.WithFields(logrus.Fields{"address": address, "handle": h})
	log.Info("Connecting to BLE device...")

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		client, err := dev.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("Dial abandoned, connection closed by owner")
				return
			}
			log.WithError(err).Warn("Failed to dial BLE device")
			t.emit(device.Event{Kind: device.EventConnectFailed, Handle: h, Err: NormalizeError(err)})
			return
		}

		t.mu.Lock()
		_, live := t.links[h]
		if live {
			l.client = client
		}
		t.mu.Unlock()

		if !live {
			log.Debug("Connection closed while dialing, cancelling client")
			_ = client.CancelConnection()
			return
		}

		log.Info("BLE device connected")
		t.emit(device.Event{Kind: device.EventConnected, Handle: h})
		t.monitor(h, l, client, log)
	})

	return h, nil
}

// monitor reports an unsolicited disconnect. Owner-initiated closes cancel l.ctx first and stay silent.
func (t *Transport) monitor(h device.Handle, l *link, client ble.Client, log *logrus.Entry) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		log.Debug("Client does not expose Disconnected(), unsolicited disconnects will not be reported")
		return
	}

	groutine.Go(l.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if ctx.Err() != nil {
				return
			}
			t.mu.Lock()
			delete(t.links, h)
			t.mu.Unlock()
			l.cancel()

			log.Warn("Peripheral disconnected")
			t.emit(device.Event{Kind: device.EventDisconnected, Handle: h, Err: device.ErrNotConnected})
		case <-ctx.Done():
		}
	})
}

// CloseConnection releases h. No EventDisconnected is delivered for it.
func (t *Transport) CloseConnection(h device.Handle) error {
	t.mu.Lock()
	l, ok := t.links[h]
	delete(t.links, h)
	var client ble.Client
	if ok {
		client = l.client
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownHandle, h)
	}
	l.cancel()

	if client == nil {
		return nil
	}

	log := t.logger.WithFields(logrus.Fields{"address": l.address, "handle": h})
	groutine.Go(context.Background(), "ble-cancel-connection", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			log.WithError(err).Warn("BLE device disconnected with errors")
			return
		}
		log.Info("BLE device disconnected")
	})
	return nil
}

// DiscoverServices enumerates the GATT profile; the outcome arrives as
// EventServicesDiscovered or EventDiscoveryFailed.
func (t *Transport) DiscoverServices(h device.Handle) error {
	l, client, err := t.connected(h)
	if err != nil {
		return err
	}

	groutine.Go(l.ctx, "ble-discover", func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.emit(device.Event{Kind: device.EventDiscoveryFailed, Handle: h, Err: NormalizeError(err)})
			return
		}

		chars := make(map[string]*ble.Characteristic)
		services := make([]device.ServiceInfo, 0, len(profile.Services))
		for _, svc := range profile.Services {
			info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID.String())}
			for _, c := range svc.Characteristics {
				id := device.NormalizeUUID(c.UUID.String())
				chars[id] = c
				info.Characteristics = append(info.Characteristics, id)
			}
			services = append(services, info)
		}

		t.mu.Lock()
		l.chars = chars
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"handle":          h,
			"services":        len(services),
			"characteristics": len(chars),
		}).Debug("Profile discovered")
		t.emit(device.Event{Kind: device.EventServicesDiscovered, Handle: h, Services: services})
	})
	return nil
}

func (t *Transport) characteristic(h device.Handle, uuid string) (*link, ble.Client, *ble.Characteristic, error) {
	l, client, err := t.connected(h)
	if err != nil {
		return nil, nil, nil, err
	}
	id := device.NormalizeUUID(uuid)

	t.mu.Lock()
	c, ok := l.chars[id]
	t.mu.Unlock()
	if !ok {
		return nil, nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return l, client, c, nil
}

// WriteCharacteristic writes data with response; the acknowledgement arrives as EventWriteAck.
func (t *Transport) WriteCharacteristic(h device.Handle, uuid string, data []byte) error {
	l, client, c, err := t.characteristic(h, uuid)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	id := device.NormalizeUUID(uuid)

	groutine.Go(l.ctx, "ble-write", func(ctx context.Context) {
		err := client.WriteCharacteristic(c, payload, false)
		if ctx.Err() != nil {
			return
		}
		t.emit(device.Event{Kind: device.EventWriteAck, Handle: h, Characteristic: id, Err: NormalizeError(err)})
	})
	return nil
}

// EnableNotifications subscribes to uuid; the acknowledgement arrives as
// EventSubscribed and every value as EventNotification. Characteristics that
// only indicate are subscribed for indications.
func (t *Transport) EnableNotifications(h device.Handle, uuid string) error {
	l, client, c, err := t.characteristic(h, uuid)
	if err != nil {
		return err
	}
	id := device.NormalizeUUID(uuid)
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	groutine.Go(l.ctx, "ble-subscribe", func(ctx context.Context) {
		err := client.Subscribe(c, indicate, func(data []byte) {
			if ctx.Err() != nil {
				return
			}
			t.emit(device.Event{
				Kind:           device.EventNotification,
				Handle:         h,
				Characteristic: id,
				Data:           append([]byte(nil), data...),
			})
		})
		if ctx.Err() != nil {
			return
		}
		t.emit(device.Event{Kind: device.EventSubscribed, Handle: h, Characteristic: id, Err: NormalizeError(err)})
	})
	return nil
}

var _ device.Transport = (*Transport)(nil)
