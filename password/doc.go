// Package password hashes and verifies passwords with argon2id in PHC
// string format. Hashes are self-describing, so cost parameters can be
// raised without invalidating stored hashes; NeedsRehash reports when a
// stored hash lags the configured costs.
package password
