package session

// Session is the server-side record binding a session identifier to the
// hash of its current refresh secret.
//
// RefreshHash changes on every successful rotation; SessionID never does.
// Timestamps are Unix milliseconds. IPHash and UserAgentHash are
// provenance metadata only and never drive a security decision.
type Session struct {
	SessionID string
	UserID    string

	RefreshHash   [32]byte
	IPHash        [32]byte
	UserAgentHash [32]byte

	CreatedAt int64
	ExpiresAt int64

	Revoked   bool
	RevokedAt int64
}
