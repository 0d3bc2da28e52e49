// Package credflow manages the credential and session lifecycle for
// applications that own their identity storage: short-lived JWT access
// tokens, rotating opaque refresh tokens backed by Redis sessions,
// single-use verification codes, and single-slot password reset tokens.
//
// credflow is the public surface. It exposes [Engine], [Builder],
// [Config], and the result value types. Session encoding, the stores for
// verification and reset records, and rate limiting live under internal/
// and are never exported.
//
// The engine never stores users. Applications plug their storage in
// through [UserProvider] and receive codes for out-of-band delivery
// through [Dispatcher].
//
// # Security model
//
// Refresh rotation is a single atomic compare-and-swap in Redis: exactly
// one concurrent holder of a refresh token wins rotation. A presented
// secret that does not match a live session is treated as reuse evidence
// and terminally revokes that session before the error surfaces.
// Verification codes and reset secrets are stored only as SHA-256 hashes.
// Infrastructure failures wrap [ErrStoreUnavailable] and always fail
// closed.
//
// # Performance contract
//
// [Engine.ValidateAccess] is the hot path and completes without Redis
// round-trips. Login, Refresh, and the code flows are allowed one Redis
// round-trip each (rotation is one script call).
package credflow
