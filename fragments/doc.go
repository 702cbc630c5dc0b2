// Package fragments provides low-level, alignment-aware encoding and
// decoding helpers used to construct and parse D-Bus wire data.
//
// The provided encoder and decoder are low level tools: they track
// padding and byte order, but do not by themselves ensure that a
// full message is well-formed. That is the job of the dbusconn
// package, which uses fragments to implement the D-Bus type system
// on top of these primitives.
package fragments
