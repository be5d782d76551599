package session

import (
	"time"

	"github.com/srg/sensorstream/internal/device"
	"github.com/srg/sensorstream/pkg/catalog"
)

// State is the lifecycle position of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	ServiceDiscovery
	Configuring
	Streaming
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case ServiceDiscovery:
		return "ServiceDiscovery"
	case Configuring:
		return "Configuring"
	case Streaming:
		return "Streaming"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// busy reports whether a connection attempt or stream is in progress.
func (s State) busy() bool {
	switch s {
	case Connecting, ServiceDiscovery, Configuring, Streaming:
		return true
	default:
		return false
	}
}

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	State  State
	Reason error // set only in Error
	Peer   device.Identity
	Stream catalog.StreamConfig
	// Pending is set while the start request awaits its response.
	Pending bool
}

// StateChange is published for every transition.
type StateChange struct {
	From   State
	To     State
	Reason error
	At     time.Time
}
