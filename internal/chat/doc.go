// Package chat is the connection orchestrator. It drives the relay
// handshake to a direct peer connection, keeps remote candidates in order
// behind the remote description, recovers lost paths, and runs the
// delivery, typing and keepalive protocol over the data channel.
//
// All state lives on one goroutine. Adapter callbacks, timer firings and
// caller commands are posted to a single inbox and handled in arrival
// order, so none of the session state needs locking.
package chat
