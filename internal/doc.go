// Package internal holds the cryptographic primitives shared by the
// credflow engine and its stores: CSPRNG identifiers, opaque secrets,
// secret hashing, and the id||secret token envelope codec.
//
// Nothing in this package touches Redis or the clock; everything is a
// pure function over crypto/rand output.
package internal
