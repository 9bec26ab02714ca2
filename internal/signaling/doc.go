// Package signaling is the client side of the relay protocol. A Client
// dials the relay, joins one room and reports room occupancy and relayed
// setup payloads as an ordered stream of events. It never retries: the
// caller decides whether and how to reconnect.
package signaling
