// Package stream defines the durable log abstraction used by the chat
// pipeline: append, consumer groups with a pending-entry list, claims for
// recovery, acknowledgement and dead-lettering. Backends live in the
// pebblestream (embedded) and redisstream (Redis Streams) subpackages.
package stream
