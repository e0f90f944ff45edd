// Package transport holds the helpers shared by the two channel transports.
//
// Ownership boundary:
// - retry/backoff primitives for dial, reconnect and mailbox turn waits
//
// The framed socket lives in transport/socket and the shared mailbox in
// transport/mailbox.
package transport
