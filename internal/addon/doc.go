// Package addon is the surface add-on code builds on: Init, InitThread,
// FinalizeThread, Finalize and Log. It owns the main session and one
// sub-session per worker thread, and applies the fail-fast policy to broken
// host contracts.
package addon
