package interfaces

// Channel is a live handle to one client connection. The registry holds
// channels by identity, so implementations must be comparable (pointer
// receivers).
type Channel interface {
	// Send queues an already encoded frame. Safe for concurrent use.
	// An error means the channel is dead.
	Send(data []byte) error

	// Close releases the channel. Calling it more than once is safe.
	Close() error
}

// DuplexChannel adds the receive side used by the session handler.
type DuplexChannel interface {
	Channel

	// Receive blocks until the next inbound frame arrives or the channel is
	// closed.
	Receive() ([]byte, error)
}
