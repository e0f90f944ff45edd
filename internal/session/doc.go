// Package session owns one logical add-on connection to the host.
//
// Ownership boundary:
// - Login-Verify handshake and transport selection
// - the single socket reader and request/response correlation
// - background dispatch of host initiated traffic
// - sub-sessions for worker threads and their registry
// - reconnect and finalize
//
// Synchronous calls on one Session are serialized by its call lock. Only the
// reader goroutine reads the socket; waiters receive their response through a
// per-serial handoff.
package session
