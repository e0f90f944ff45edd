// Package host is the host side of the add-on control channel.
//
// A Server accepts add-on sockets, answers Login-Verify with a fresh
// connection number, optionally creates a shared mailbox segment for the
// connection, and serves Ping, Log and Logout requests over whichever
// transport the add-on bound. It can also ping an add-on on its own
// initiative.
package host
