// Package session owns the per-link BLE connection state machines.
//
// Ownership boundary:
// - central-role lifecycle (connect, discovery, subscribe, handshake, teardown)
// - peripheral-role lifecycle (advertise, client subscription, teardown)
// - outbound delivery queue and flow control against busy transports
// - lifecycle and data events surfaced to the host
//
// Platform drivers implement CentralDriver and PeripheralHost and feed
// LinkEvent values back into the sessions. Drivers must deliver events from
// their own goroutines, never synchronously from inside a link method.
package session
