// Package internaldefs holds the shared counter definition table used by
// the prometheus and otel exporters. Definitions are fixed at init and
// never mutated, which is what keeps both exporters' output stable.
package internaldefs
