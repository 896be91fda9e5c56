// Package runtime owns the resources of a single meloncity node: the Pebble
// database under the data directory, the optional Redis client, and the
// factories that turn configuration into a stream, a presence bus and a
// store.
//
// Example:
//
//	cfg := config.Default()
//	cfg.DataDir = "./data"
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
//	log, _ := rt.OpenStream()
//	st, _ := rt.OpenStore(ctx)
//	bus, _ := rt.OpenBus()
package runtime
