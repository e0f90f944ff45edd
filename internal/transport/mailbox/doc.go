// Package mailbox implements the shared memory transport.
//
// Ownership boundary:
// - pinned segment and slot layout
// - request/response turn words and their waits
// - file backed mappings (host creates, add-on opens)
//
// Each slot holds exactly one in-flight message. Writers on one session must
// serialize through the session call lock before touching a slot.
package mailbox
