// Package transport defines the seam between the multiplexing core and a
// concrete byte-level transport (WebSocket, in-memory pipe, ...). The core
// never touches bytes: it hands a transport a pair of callbacks and gets
// back a send function, exactly as described in spec §6.2.
package transport

// Deliver is invoked by the transport for every inbound, already-decoded
// message, in order.
type Deliver func(msg []any)

// Closed is invoked by the transport at most once, when the link
// terminates, carrying the reason.
type Closed func(reason any)

// Send pushes one outbound, already-decoded message onto the link.
type Send func(msg []any) error

// Adapter wires a concrete transport into the core. It must call deliver
// for inbound messages in arrival order, call closed at most once, and stop
// calling deliver after closed has fired. The returned Send may be used
// immediately; the core is responsible for queuing sends issued before the
// adapter itself is ready (see §4.3).
type Adapter func(deliver Deliver, closed Closed) (Send, error)
