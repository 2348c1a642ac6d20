package interfaces

// ClientConnection is the transport-level link from one browser tab, as seen
// by the presence tracker and the coordinator. Membership is keyed by
// connection ID, never user ID, so one user may hold several tabs at once.
type ClientConnection interface {
	ConnectionID() string
	UserID() string
	Role() string
	SessionID() string

	// WriteJSON must be safe for concurrent use; transport wrappers serialize
	// writes internally.
	WriteJSON(v interface{}) error
	Close() error
}
