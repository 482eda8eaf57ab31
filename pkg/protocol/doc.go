// Package protocol defines the JSON control messages exchanged with a
// voicelink backend over the websocket session.
//
// Text frames carry a JSON object with a "type" discriminator. Unrecognized
// types are preserved verbatim so that newer backends can add message kinds
// without breaking older clients.
package protocol
