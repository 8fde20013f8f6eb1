// Package protocol owns the message-over-GATT wire contract.
//
// Ownership boundary:
// - shared GATT identifiers and the vendor id used in advertisements
// - handshake token and chunk sizing constants
// - error kinds surfaced by sessions and the link manager
//
// Sub-packages:
// - frame: sentinel-terminated chunking and reassembly
// - session: per-link state machines and outbound delivery
package protocol
