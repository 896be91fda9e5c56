// Package chat holds the domain model shared by every layer: rooms,
// participants, messages, their closed enumerations, the error taxonomy,
// content validation, the stream-entry codec and fan-out destination names.
package chat
