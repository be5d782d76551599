// Package ptyio wraps a pseudo-terminal master in ring buffers so a producer
// can push bytes to whatever process opened the slave side without blocking.
//
//	p, err := ptyio.New(&ptyio.Options{WriteCap: 64 * 1024, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("attach to", p.TTYName())
//	n, _ := p.Write([]byte("1000,1.0,-2.5,0.0\n")) // n < len(data) means the ring overflowed
//
// The poll timeout bounds how long the background loops take to notice Close.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/sensorstream/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultPollTimeout is how often idle loops re-check for shutdown.
	DefaultPollTimeout = 50 * time.Millisecond

	DefaultReadCap  = 4 * 1024
	DefaultWriteCap = 64 * 1024
)

// ReadCallback receives bytes written by the slave side. The slice is only
// valid for the duration of the call.
type ReadCallback func(data []byte)

// Options configures New. Zero values fall back to the package defaults.
type Options struct {
	ReadCap     int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	OnError     func(err error) // called at most once per loop on a fatal I/O error
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.ReadWriteCloser
	TTYName() string
	Stats() Stats
	SetReadCallback(cb ReadCallback)
}

// Stats are byte counters for monitoring backpressure.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	ReadQueueLen  int
	ReadQueueCap  int

	DroppedWrite uint64
	DroppedRead  uint64
	BytesWritten uint64
	BytesRead    uint64
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger   *logrus.Logger
	master   *os.File
	masterFd int32 // resolved once; loops never touch master.Fd()
	slave    *os.File
	ttyName  string
	poll     int // milliseconds

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer
	readCb   atomic.Pointer[ReadCallback]

	onError   func(error)
	readFail  sync.Once
	writeFail sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	written      atomic.Uint64
	read         atomic.Uint64
}

// New allocates a PTY pair, puts the slave in raw mode and starts the
// background read and write loops.
func New(opts *Options) (PTY, error) {
	if opts == nil {
		opts = &Options{}
	}

	master, slave, fd, err := open()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = discard
	}
	readCap, writeCap := opts.ReadCap, opts.WriteCap
	if readCap <= 0 {
		readCap = DefaultReadCap
	}
	if writeCap <= 0 {
		writeCap = DefaultWriteCap
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:   logger,
		master:   master,
		masterFd: int32(fd),
		slave:    slave,
		ttyName:  slave.Name(),
		poll:     int(poll / time.Millisecond),
		writeBuf: ringbuffer.New(writeCap),
		readBuf:  ringbuffer.New(readCap),
		onError:  opts.OnError,
		cancel:   cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", p.readLoop)
	groutine.Go(ctx, "pty-write-loop", p.writeLoop)

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

func open() (*os.File, *os.File, int, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(what string, err error) (*os.File, *os.File, int, error) {
		name := slave.Name()
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, -1, fmt.Errorf("failed to set PTY %s to %s mode: %w", name, what, err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw", err)
	}
	// Fd switches the file to blocking mode, so nonblocking is set after it.
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("nonblocking", err)
	}
	return master, slave, fd, nil
}

func (p *ringPTY) fatal(once *sync.Once, loop string, err error) {
	p.logger.WithError(err).Warnf("%s exiting", loop)
	if p.onError != nil {
		once.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: p.masterFd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := p.writeBuf.TryRead(buf)
		if n == 0 {
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
				p.logger.WithError(err).Warn("write ring read failed")
			}
			time.Sleep(time.Duration(p.poll) * time.Millisecond / 5)
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			w, err := master.Write(buf[off:n])
			off += max(w, 0)
			p.written.Add(uint64(max(w, 0)))

			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, p.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("write poll failed")
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fatal(&p.writeFail, "write loop", err)
				return
			}
		}
	}
}

func (p *ringPTY) readLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: p.masterFd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			p.read.Add(uint64(n))
			if cb := p.readCb.Load(); cb != nil {
				(*cb)(buf[:n])
			} else if w, _ := p.readBuf.Write(buf[:n]); w < n {
				p.droppedRead.Add(uint64(n - w))
			}
		}

		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// no slave attached
			time.Sleep(time.Duration(p.poll) * time.Millisecond)
		default:
			p.fatal(&p.readFail, "read loop", err)
			return
		}
	}
}

// Write queues data for the slave side and never blocks. A short count means
// the write ring was full and the remainder was dropped.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"queued": n, "size": len(data)}).Warn("PTY write ring overflow")
	}
	return n, nil
}

// Read returns buffered slave output, or syscall.EAGAIN when there is none.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if n == 0 {
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback routes slave output to cb instead of the read ring.
// Passing nil restores buffering.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
}

// Close stops the loops, waits for them, then closes both ends. It is idempotent.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	// The loops poll the master fd; it must stay open until they are gone.
	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Duration(p.poll)*time.Millisecond*3 + time.Second):
		p.logger.WithField("tty", p.ttyName).Error("PTY loops did not stop in time")
	}

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	return errors.Join(errs...)
}

func (p *ringPTY) TTYName() string {
	return p.ttyName
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen: p.writeBuf.Length(),
		WriteQueueCap: p.writeBuf.Capacity(),
		ReadQueueLen:  p.readBuf.Length(),
		ReadQueueCap:  p.readBuf.Capacity(),
		DroppedWrite:  p.droppedWrite.Load(),
		DroppedRead:   p.droppedRead.Load(),
		BytesWritten:  p.written.Load(),
		BytesRead:     p.read.Load(),
	}
}
