// Package stores holds the Redis-backed verification-code and
// password-reset stores.
//
// Verification records are keyed by (userID, context, codeHash), so a
// consume is a single key lookup and the store never scans. Consumed and
// expired records are retained for a short window past their lifetime;
// that retention is what lets the caller distinguish "no such code" from
// "expired" from "already used".
//
// The reset store keeps one slot per user. A new request overwrites the
// slot, which silently invalidates the previous token.
package stores
