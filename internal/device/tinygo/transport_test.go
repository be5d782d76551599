package tinygo

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorstream/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func newTestTransport() *Transport {
	return &Transport{
		logger: logrus.New(),
		links:  make(map[device.Handle]*link),
		byAddr: make(map[string]device.Handle),
	}
}

func addLink(t *Transport, h device.Handle) *link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{address: "A0:9E:1A:00:00:01", ctx: ctx, cancel: cancel}
	t.mu.Lock()
	t.links[h] = l
	t.mu.Unlock()
	return l
}

func TestAttachThenDetach(t *testing.T) {
	tr := newTestTransport()
	l := addLink(tr, 1)
	dev := &bluetooth.Device{}

	require.True(t, tr.attach(1, l, dev))
	assert.Len(t, tr.byAddr, 1)

	got, gotDev, ok := tr.detach(1)
	require.True(t, ok)
	assert.Same(t, l, got)
	assert.Same(t, dev, gotDev)
	assert.Empty(t, tr.byAddr, "detach MUST forget the address")

	_, _, ok = tr.detach(1)
	assert.False(t, ok, "a handle MUST only detach once")
}

func TestAttachAfterCloseIsRefused(t *testing.T) {
	tr := newTestTransport()
	l := addLink(tr, 1)

	require.NoError(t, tr.CloseConnection(1))
	assert.Error(t, l.ctx.Err(), "closing MUST cancel the link")

	assert.False(t, tr.attach(1, l, &bluetooth.Device{}), "a connect finishing after close MUST NOT revive the link")
	assert.Empty(t, tr.byAddr)
	assert.ErrorIs(t, tr.CloseConnection(1), device.ErrUnknownHandle)
}

func TestCloseRacesConnect(t *testing.T) {
	// GOAL: Verify a connect completing concurrently with CloseConnection leaves
	// exactly one owner of the device (run with -race)

	for i := 0; i < 100; i++ {
		tr := newTestTransport()
		h := device.Handle(i + 1)
		l := addLink(tr, h)
		dev := &bluetooth.Device{}

		var attached bool
		var detachedDev *bluetooth.Device
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			attached = tr.attach(h, l, dev)
		}()
		go func() {
			defer wg.Done()
			_, detachedDev, _ = tr.detach(h)
		}()
		wg.Wait()

		if attached {
			assert.Same(t, dev, detachedDev, "an attached device MUST be handed to close")
		} else {
			assert.Nil(t, detachedDev)
		}
		assert.Empty(t, tr.byAddr)
	}
}
