// Package client implements the meloncity CLI commands that talk to a
// running server: stream inspection and dead letters, room membership and
// messaging over the REST API, and health checks over gRPC.
//
// The HTTP base URL comes from MELONCITY_HTTP and the gRPC address from
// MELONCITY_GRPC. Room commands act as the user named by --user or
// MELONCITY_USER_ID.
package client
