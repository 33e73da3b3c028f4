// Package server accepts project room sockets and serves the producer API.
//
// A socket moves through Connecting, Active, Disconnecting and Removed.
// Handshakes that fail authentication, membership or registration are
// closed from Connecting with a close code and reason and end in Rejected.
// Each accepted socket has a read pump that routes inbound envelopes
// through the dispatcher and a write pump fed by the connection's
// subscription reader.
package server
