package bridge

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/internal/devicefactory"
	"github.com/srg/sensorstream/internal/groutine"
	"github.com/srg/sensorstream/internal/ptyio"
	"github.com/srg/sensorstream/pkg/catalog"
	"github.com/srg/sensorstream/pkg/demux"
	"github.com/srg/sensorstream/session"
)

const (
	// DefaultQueueSize is the number of CSV lines held between the session and the PTY.
	DefaultQueueSize = 1024

	// DefaultPtyWriteBufferSize is the size, in bytes, of the PTY write ring.
	DefaultPtyWriteBufferSize = 64 * 1024

	DefaultConnectTimeout = 30 * time.Second
)

// PTYFactory opens the PTY a bridge writes to. Tests replace it.
var PTYFactory = func(opts *ptyio.Options) (ptyio.PTY, error) {
	return ptyio.New(opts)
}

// Bridge represents a running sensor-to-PTY bridge.
type Bridge interface {
	TTYName() string    // TTY device name for display
	TTYSymlink() string // Symlink path (empty if not created)
	Session() *session.Session
	Stats() Stats
	// Done closes once the sample stream ended and every queued line was handed to the PTY.
	Done() <-chan struct{}
}

// Stats counts lines moving through the bridge.
type Stats struct {
	Lines       uint64 // lines handed to the PTY
	Overwritten uint64 // lines lost to queue overflow
	PTY         ptyio.Stats
}

// Options contains all the configuration for running a bridge
type Options struct {
	Address        string               // BLE device address
	Name           string               // advertised name, informational
	Backend        devicefactory.Backend
	ConnectTimeout time.Duration
	Stream         catalog.StreamConfig
	Profile        catalog.Profile
	SampleBuffer   int
	QueueSize      uint32
	PtyBufferSize  int
	TTYSymlinkPath string // Optional tty symlink path for PTY slave (e.g., /tmp/sensor)
	Logger         *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Callback is executed with the running bridge.
type Callback[R any] func(Bridge) (R, error)

type bridgeImpl struct {
	logger      *logrus.Logger
	sess        *session.Session
	pty         ptyio.PTY
	symlink     string
	queue       mpmc.RichOverlappedRingBuffer[string]
	wake        chan struct{}
	collected   chan struct{}
	done        chan struct{}
	lines       atomic.Uint64
	overwritten atomic.Uint64
}

func (b *bridgeImpl) TTYName() string           { return b.pty.TTYName() }
func (b *bridgeImpl) TTYSymlink() string        { return b.symlink }
func (b *bridgeImpl) Session() *session.Session { return b.sess }
func (b *bridgeImpl) Done() <-chan struct{}     { return b.done }

func (b *bridgeImpl) Stats() Stats {
	return Stats{Lines: b.lines.Load(), Overwritten: b.overwritten.Load(), PTY: b.pty.Stats()}
}

// FormatCSV renders a sample as "timestamp,v1,v2,...\n".
func FormatCSV(s demux.TelemetrySample) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(int64(s.Timestamp), 10))
	for _, v := range s.Values {
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// RunDeviceBridge connects to the sensor, starts streaming, opens a PTY and
// executes the callback while samples flow into it as CSV lines.
// Everything is released when the callback returns.
func RunDeviceBridge[R any](
	ctx context.Context,
	opts *Options,
	progressCallback ProgressCallback,
	callback Callback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	queueSize := opts.QueueSize
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	ptySize := opts.PtyBufferSize
	if ptySize == 0 {
		ptySize = DefaultPtyWriteBufferSize
	}

	transport, err := devicefactory.TransportFactory(opts.Backend, logger)
	if err != nil {
		return zero, fmt.Errorf("failed to create BLE transport: %w", err)
	}

	sess, err := session.New(transport, session.Options{
		Stream:       opts.Stream,
		Profile:      opts.Profile,
		SampleBuffer: opts.SampleBuffer,
		Logger:       logger,
	})
	if err != nil {
		return zero, err
	}

	var (
		pty     ptyio.PTY
		symlink string
	)
	defer func() {
		// Remove tty symlink before closing PTY
		if symlink != "" {
			if err := os.Remove(symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", symlink).Warn("Failed to remove tty symlink")
			}
		}
		sess.Close()
		if pty != nil {
			_ = pty.Close()
		}
	}()

	progressCallback("Connecting")
	if err := sess.Connect(device.Identity{Address: opts.Address, Name: opts.Name}); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = session.AwaitStreaming(connectCtx, sess, func(ch session.StateChange) {
		progressCallback(ch.To.String())
	})
	cancel()
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to start streaming from %s: %w", opts.Address, err)
	}

	progressCallback("Setting up PTY")
	pty, err = PTYFactory(&ptyio.Options{WriteCap: ptySize, Logger: logger})
	if err != nil {
		return zero, err
	}
	logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, pty.TTYName(), err)
		}
		symlink = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": symlink,
			"target":     pty.TTYName(),
		}).Info("Created PTY symlink")
	}

	b := &bridgeImpl{
		logger:    logger,
		sess:      sess,
		pty:       pty,
		symlink:   symlink,
		queue:     mpmc.NewOverlappedRingBuffer[string](queueSize),
		wake:      make(chan struct{}, 1),
		collected: make(chan struct{}),
		done:      make(chan struct{}),
	}

	pumpCtx, stop := context.WithCancel(ctx)
	defer stop()
	groutine.Go(pumpCtx, "bridge-collect", b.collect)
	groutine.Go(pumpCtx, "bridge-pump", b.pump)

	progressCallback("Running")
	return callback(b)
}

// collect moves samples into the line queue; the oldest line is overwritten
// when the PTY side lags.
func (b *bridgeImpl) collect(ctx context.Context) {
	defer close(b.collected)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-b.sess.Samples():
			if !ok {
				return
			}
			overwrites, err := b.queue.EnqueueM(FormatCSV(s))
			if err != nil {
				b.logger.WithError(err).Error("Bridge queue enqueue failed")
				return
			}
			b.overwritten.Add(uint64(overwrites))
			select {
			case b.wake <- struct{}{}:
			default:
			}
		}
	}
}

// pump drains the line queue into the PTY until the sample stream ends.
func (b *bridgeImpl) pump(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
			b.drain()
		case <-b.collected:
			b.drain()
			return
		}
	}
}

func (b *bridgeImpl) drain() {
	for !b.queue.IsEmpty() {
		line, err := b.queue.Dequeue()
		if err != nil {
			return
		}
		if n, err := b.pty.Write([]byte(line)); err != nil || n < len(line) {
			b.logger.WithFields(logrus.Fields{"written": n, "size": len(line)}).WithError(err).Debug("PTY dropped part of a line")
		}
		b.lines.Add(1)
	}
}
