// Package relay is the two-party room broker the chat clients use during
// connection setup. It forwards opaque setup payloads between the two
// members of a room and never sees chat content.
//
// Room membership lives in a Broker: MemoryBroker for a single process,
// RedisBroker when several relay instances share rooms.
package relay
