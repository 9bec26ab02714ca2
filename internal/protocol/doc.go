// Package protocol defines the two JSON vocabularies maths-chat speaks:
// the relay envelopes exchanged with the room broker during connection
// setup, and the data-channel envelopes exchanged directly between peers
// once the transport is up.
package protocol
