// Package middleware provides net/http helpers for guarding routes with
// credflow access tokens.
//
// [Guard] validates the bearer token and stores the [credflow.AccessResult]
// in the request context; handlers read it back with [AccessFromContext].
// [RequireVerified] layers the account trust check on top for routes that
// must not serve unverified accounts.
package middleware
