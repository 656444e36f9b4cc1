package link

import "context"

// Transport opens raw radio connections. It is supplied by the environment;
// internal/adapters/ble implements it over a BLE adapter.
type Transport interface {
	// Connect discovers the device if needed and opens a connection.
	Connect(ctx context.Context, id string) (Handle, error)
}

// Handle is one open radio connection.
// Notifications arrive in order with no message-boundary semantics.
type Handle interface {
	// Write sends one packet to the characteristic identified by uuid.
	Write(ctx context.Context, uuid string, data []byte) error

	// Subscribe registers fn for notifications from the characteristic identified by uuid.
	Subscribe(uuid string, fn func([]byte)) error

	// Disconnect closes the connection.
	Disconnect() error
}

// Channel pairs a write characteristic with the characteristic its responses
// are notified on.
type Channel struct {
	Name   string
	Write  string
	Notify string
}
