// Package protocol owns the add-on channel wire contract.
//
// Ownership boundary:
// - operation ids, channel words and datatype codes
// - protocol level, well-known port and connect timeout
// - the static host error table
//
// Packet encoding lives in protocol/packet and socket framing in protocol/frame.
package protocol
