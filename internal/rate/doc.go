// Package rate provides Redis-backed fixed-window rate limiting for the
// credential lifecycle flows.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - cr:  — refresh per-session
//   - cv:  — verification issue per-user
//   - cvi: — verification issue per-IP
//   - cp:  — reset request per-identifier
//   - cpi: — reset request per-IP
package rate
