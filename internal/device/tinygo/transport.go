// Package tinygo implements the device transport on tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS).
package tinygo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/groutine"
	"tinygo.org/x/bluetooth"
)

var (
	enableOnce sync.Once
	enableErr  error
)

// enable powers the default adapter once per process.
func enable() (*bluetooth.Adapter, error) {
	enableOnce.Do(func() {
		enableErr = NormalizeError(bluetooth.DefaultAdapter.Enable())
	})
	return bluetooth.DefaultAdapter, enableErr
}

type link struct {
	address string
	ctx     context.Context
	cancel  context.CancelFunc
	dev     *bluetooth.Device
	chars   map[string]bluetooth.DeviceCharacteristic
}

// Transport implements device.Transport on tinygo bluetooth.
type Transport struct {
	logger  *logrus.Logger
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	handler func(device.Event)
	next    device.Handle
	links   map[device.Handle]*link
	byAddr  map[string]device.Handle
}

// NewTransport enables the default adapter and registers the disconnect handler.
func NewTransport(logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	adapter, err := enable()
	if err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	t := &Transport{
		logger:  logger,
		adapter: adapter,
		links:   make(map[device.Handle]*link),
		byAddr:  make(map[string]device.Handle),
	}
	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected {
			return
		}
		t.peerLost(d.Address.String())
	})
	return t, nil
}

func (t *Transport) SetEventHandler(handler func(device.Event)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *Transport) emit(ev device.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *Transport) peerLost(address string) {
	t.mu.Lock()
	h, ok := t.byAddr[strings.ToUpper(address)]
	var l *link
	if ok {
		l = t.links[h]
		delete(t.links, h)
		delete(t.byAddr, strings.ToUpper(address))
	}
	t.mu.Unlock()

	if l == nil {
		return
	}
	l.cancel()
	t.logger.WithFields(logrus.Fields{"address": address, "handle": h}).Warn("Peripheral disconnected")
	t.emit(device.Event{Kind: device.EventDisconnected, Handle: h, Err: device.ErrNotConnected})
}

func (t *Transport) lookup(h device.Handle) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", device.ErrUnknownHandle, h)
	}
	if l.dev == nil {
		return nil, fmt.Errorf("%w: handle %d is still connecting", device.ErrNotConnected, h)
	}
	return l, nil
}

// OpenConnection connects asynchronously; tinygo's Connect blocks, so it runs on its own goroutine.
func (t *Transport) OpenConnection(identity device.Identity) (device.Handle, error) {
	address := strings.TrimSpace(identity.Address)
	if address == "" {
		return 0, fmt.Errorf("device address is empty")
	}
	var addr bluetooth.Address
	addr.Set(address)

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{address: address, ctx: ctx, cancel: cancel}

	t.mu.Lock()
	t.next++
	h := t.next
	t.links[h] = l
	t.mu.Unlock()

	log := t.logger.WithFields(logrus.Fields{"address": address, "handle": h})
	log.Info("Connecting to BLE device...")

	groutine.Go(ctx, "tinygo-connect", func(ctx context.Context) {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if ctx.Err() != nil {
			if err == nil {
				_ = dev.Disconnect()
			}
			return
		}
		if err != nil {
			log.WithError(err).Warn("Failed to connect")
			t.emit(device.Event{Kind: device.EventConnectFailed, Handle: h, Err: NormalizeError(err)})
			return
		}

		if !t.attach(h, l, &dev) {
			_ = dev.Disconnect()
			return
		}

		log.Info("BLE device connected")
		t.emit(device.Event{Kind: device.EventConnected, Handle: h})
	})
	return h, nil
}

// attach records dev on l unless the handle was closed while connecting.
func (t *Transport) attach(h device.Handle, l *link, dev *bluetooth.Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[h] != l {
		return false
	}
	l.dev = dev
	t.byAddr[strings.ToUpper(dev.Address.String())] = h
	return true
}

// detach forgets h and returns its link with the device it was attached to, if any.
func (t *Transport) detach(h device.Handle) (*link, *bluetooth.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[h]
	if !ok {
		return nil, nil, false
	}
	delete(t.links, h)
	if l.dev != nil {
		delete(t.byAddr, strings.ToUpper(l.dev.Address.String()))
	}
	return l, l.dev, true
}

func (t *Transport) CloseConnection(h device.Handle) error {
	l, dev, ok := t.detach(h)
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownHandle, h)
	}
	l.cancel()
	if dev == nil {
		return nil
	}

	groutine.Go(context.Background(), "tinygo-disconnect", func(context.Context) {
		if err := dev.Disconnect(); err != nil {
			t.logger.WithError(err).WithField("address", l.address).Warn("BLE device disconnected with errors")
		}
	})
	return nil
}

func (t *Transport) DiscoverServices(h device.Handle) error {
	l, err := t.lookup(h)
	if err != nil {
		return err
	}

	groutine.Go(l.ctx, "tinygo-discover", func(ctx context.Context) {
		svcs, err := l.dev.DiscoverServices(nil)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.emit(device.Event{Kind: device.EventDiscoveryFailed, Handle: h, Err: NormalizeError(err)})
			return
		}

		chars := make(map[string]bluetooth.DeviceCharacteristic)
		services := make([]device.ServiceInfo, 0, len(svcs))
		for _, svc := range svcs {
			info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID().String())}
			found, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				t.logger.WithError(err).WithField("service", info.UUID).Debug("Characteristic discovery failed")
			}
			for _, c := range found {
				id := device.NormalizeUUID(c.UUID().String())
				chars[id] = c
				info.Characteristics = append(info.Characteristics, id)
			}
			services = append(services, info)
		}

		t.mu.Lock()
		l.chars = chars
		t.mu.Unlock()
		t.emit(device.Event{Kind: device.EventServicesDiscovered, Handle: h, Services: services})
	})
	return nil
}

func (t *Transport) characteristic(h device.Handle, uuid string) (*link, bluetooth.DeviceCharacteristic, error) {
	l, err := t.lookup(h)
	if err != nil {
		return nil, bluetooth.DeviceCharacteristic{}, err
	}
	t.mu.Lock()
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	t.mu.Unlock()
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return l, c, nil
}

func (t *Transport) WriteCharacteristic(h device.Handle, uuid string, data []byte) error {
	l, c, err := t.characteristic(h, uuid)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	id := device.NormalizeUUID(uuid)

	groutine.Go(l.ctx, "tinygo-write", func(ctx context.Context) {
		_, err := c.WriteWithoutResponse(payload)
		if ctx.Err() != nil {
			return
		}
		t.emit(device.Event{Kind: device.EventWriteAck, Handle: h, Characteristic: id, Err: NormalizeError(err)})
	})
	return nil
}

func (t *Transport) EnableNotifications(h device.Handle, uuid string) error {
	l, c, err := t.characteristic(h, uuid)
	if err != nil {
		return err
	}
	id := device.NormalizeUUID(uuid)

	groutine.Go(l.ctx, "tinygo-subscribe", func(ctx context.Context) {
		err := c.EnableNotifications(func(buf []byte) {
			if ctx.Err() != nil {
				return
			}
			t.emit(device.Event{
				Kind:           device.EventNotification,
				Handle:         h,
				Characteristic: id,
				Data:           append([]byte(nil), buf...),
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
