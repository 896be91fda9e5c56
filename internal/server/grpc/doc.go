// Package grpcserver hosts the standard grpc.health.v1 service. The empty
// service name reports storage health; "meloncity.consumer" reports whether
// every stream consumer on this node is running.
//
// Example:
//
//	s := grpcserver.New(grpcserver.Checks{Storage: rt.CheckHealth, Consumers: group.Healthy}, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
