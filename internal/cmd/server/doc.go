// Package serverrun exposes the Run entrypoint used by the CLI to start a
// meloncity node: storage, the stream consumers, presence forwarding, the
// websocket hub and the HTTP and gRPC servers, with ordered shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.DataDir = "./data"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
