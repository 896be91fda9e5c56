// Package httpserver serves the meloncity REST API and the /ws websocket
// endpoint on a gorilla/mux router. Callers are identified by the User-Id
// header set by the upstream auth gateway.
//
// Example:
//
//	s := httpserver.New(controllers.Deps{Rooms: rooms, Messages: msgs, Stream: log, Group: "chat-group", Dispatcher: d})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
