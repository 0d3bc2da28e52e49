// Package jwt wraps access-token signing and verification.
//
// Access tokens are self-contained: user id, session id, and expiry.
// Everything else about a session lives server-side, so a token is only
// as fresh as its short TTL. Supported algorithms are Ed25519 and HS256;
// multi-key verification via kid headers allows zero-downtime key
// rotation.
package jwt
