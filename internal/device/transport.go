package device

import "fmt"

// Handle identifies one connection opened through a Transport.
// Zero is never a valid handle.
type Handle uint64

// EventKind enumerates the asynchronous signals a Transport delivers.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventConnectFailed
	EventServicesDiscovered
	EventDiscoveryFailed
	EventWriteAck
	EventSubscribed
	EventNotification
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventDiscoveryFailed:
		return "discovery-failed"
	case EventWriteAck:
		return "write-ack"
	case EventSubscribed:
		return "subscribed"
	case EventNotification:
		return "notification"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ServiceInfo is one discovered GATT service with its characteristic UUIDs.
// UUIDs are in NormalizeUUID form.
type ServiceInfo struct {
	UUID            string   `json:"uuid"`
	Characteristics []string `json:"characteristics"`
}

// Event is a single transport callback.
//
// Characteristic is set for write acks, subscription acks and notifications.
// Err is set for failures and for unsuccessful acks.
type Event struct {
	Kind           EventKind
	Handle         Handle
	Services       []ServiceInfo
	Characteristic string
	Data           []byte
	Err            error
}

// Transport is the wireless stack as seen by a session.
//
// Every operation returns immediately; completion arrives later as an Event on
// the registered handler, possibly from another goroutine. A synchronous error
// means the request was never issued.
type Transport interface {
	SetEventHandler(handler func(Event))
	OpenConnection(identity Identity) (Handle, error)
	CloseConnection(h Handle) error
	DiscoverServices(h Handle) error
	WriteCharacteristic(h Handle, characteristic string, data []byte) error
	EnableNotifications(h Handle, characteristic string) error
}
