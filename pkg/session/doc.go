// Package session implements the client side of the voicelink websocket
// session protocol: connection establishment with bearer-token headers, the
// bounded hello handshake, the listen lifecycle state machine, and the
// concurrent multiplexing of JSON control messages with binary audio frames
// on a single connection.
package session
