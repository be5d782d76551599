// Package scanner discovers sensor peripherals for a bounded window.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/groutine"
)

const (
	DefaultDuration   = 5 * time.Second
	DefaultNameFilter = "Polar"
	defaultBuffer     = 64
)

// Options configures scanning behavior
type Options struct {
	// NameFilter keeps peripherals whose advertised name contains it, ignoring case.
	NameFilter   string
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
	Backend      devicefactory.Backend
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		NameFilter: DefaultNameFilter,
		Duration:   DefaultDuration,
		Backend:    devicefactory.BackendGoBLE,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	logger *logrus.Logger
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{logger: logger}, nil
}

// Discovery is one running scan. Identities is finite: it closes when the
// window elapses, the parent context ends, or Stop is called.
type Discovery struct {
	logger *logrus.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	seen *hashmap.Map[string, device.Identity]

	mu     sync.Mutex
	closed bool
	ch     chan device.Identity
	found  []device.Identity
	err    error
}

// Scan starts discovery and returns immediately.
func (s *Scanner) Scan(ctx context.Context, opts *Options) (*Discovery, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if len(o.ServiceUUIDs) > 0 {
		normalized, err := device.ValidateUUID(o.ServiceUUIDs...)
		if err != nil {
			return nil, fmt.Errorf("invalid service filter: %w", err)
		}
		o.ServiceUUIDs = normalized
	}

	dev, err := devicefactory.ScanningDeviceFactory(o.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, o.Duration)
	d := &Discovery{
		logger: s.logger,
		opts:   o,
		ctx:    scanCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   hashmap.New[string, device.Identity](),
		ch:     make(chan device.Identity, defaultBuffer),
	}

	s.logger.WithFields(logrus.Fields{
		"duration": o.Duration,
		"name":     o.NameFilter,
		"backend":  o.Backend,
	}).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan-deadline", func(ctx context.Context) {
		<-ctx.Done()
		d.close()
	})
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, false, d.handleAdvertisement)
		d.close()
		d.finish(err)
	})
	return d, nil
}

// Identities yields each matching peripheral once.
func (d *Discovery) Identities() <-chan device.Identity {
	return d.ch
}

// Stop ends the scan before its window elapses.
func (d *Discovery) Stop() {
	d.close()
}

// Wait blocks until the underlying scan has stopped and returns its error.
// Reaching the deadline or Stop is not an error.
func (d *Discovery) Wait() error {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done closes once the underlying scan has stopped.
func (d *Discovery) Done() <-chan struct{} {
	return d.done
}

// Found returns the identities yielded so far, in discovery order.
func (d *Discovery) Found() []device.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.found)
}

// close cancels the scan context before taking the lock so a handler blocked
// on a full channel is released.
func (d *Discovery) close() {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.ch)
}

func (d *Discovery) finish(err error) {
	d.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		d.err = fmt.Errorf("scan failed: %w", err)
	}
	count := len(d.found)
	d.mu.Unlock()

	d.logger.WithField("device_count", count).Info("BLE scan completed")
	close(d.done)
}

func (d *Discovery) handleAdvertisement(adv device.Advertisement) {
	if !d.opts.matches(adv) {
		return
	}

	id := device.Identity{Address: adv.Addr(), Name: adv.LocalName(), RSSI: adv.RSSI()}
	if _, loaded := d.seen.GetOrInsert(strings.ToUpper(id.Address), id); loaded {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.ctx.Err() != nil {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"device":  id.Name,
		"address": id.Address,
		"rssi":    id.RSSI,
	}).Info("Discovered new device")

	select {
	case d.ch <- id:
		d.found = append(d.found, id)
	case <-d.ctx.Done():
	}
}

// matches applies the block, allow, name and service filters.
func (o *Options) matches(adv device.Advertisement) bool {
	addr := adv.Addr()
	if addr == "" {
		return false
	}

	if slices.ContainsFunc(o.BlockList, func(b string) bool { return strings.EqualFold(b, addr) }) {
		return false
	}
	if len(o.AllowList) > 0 && !slices.ContainsFunc(o.AllowList, func(a string) bool { return strings.EqualFold(a, addr) }) {
		return false
	}

	if o.NameFilter != "" && !device.ContainsIgnoreCase(adv.LocalName(), o.NameFilter) {
		return false
	}

	if len(o.ServiceUUIDs) > 0 && !slices.ContainsFunc(o.ServiceUUIDs, adv.HasService) {
		return false
	}
	return true
}
