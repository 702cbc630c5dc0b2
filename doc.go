// Package dbusconn implements the core of a D-Bus client/server
// library: the connection subsystem that dials a D-Bus peer over a
// Unix domain socket, runs the SASL authentication handshake, and
// then exchanges D-Bus messages with it full-duplex.
//
// The wire-format codec, message framing, and the [Conn] type's
// [Conn.CallMethod]/[Conn.EmitSignal]/[Conn.Reply] surface are the
// building blocks for higher-level concerns such as introspection,
// generated proxies, and object-server dispatch; those are
// deliberately out of scope here.
package dbusconn
