// Package session implements the Redis-backed session store: one key per
// (user, session) pair, a per-user index set for revoke-all, and an atomic
// Lua compare-and-swap for refresh-secret rotation.
//
// Sessions are never deleted on revocation. A revoked session keeps its
// remaining TTL with a terminal revoked marker, so a stale refresh secret
// can never resurrect it and reuse attempts remain observable until the
// record expires naturally.
package session
