package interfaces

// Connection represents one live client socket
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// so the hub can be driven by WebSocket connections or test doubles alike
type Connection interface {
	// ID returns a process-unique identifier for the connection
	ID() string

	// WriteJSON queues a JSON frame for the client (thread-safe).
	// An error means the connection is dead or its writer is saturated.
	WriteJSON(v interface{}) error

	// Ping sends a transport-level liveness check
	Ping() error

	// Close closes the connection and cleans up resources; safe to call repeatedly
	Close() error

	// Done is closed once the connection has been closed for any reason
	Done() <-chan struct{}
}
