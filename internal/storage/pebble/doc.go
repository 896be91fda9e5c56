// Package pebblestore wraps the embedded Pebble database shared by the
// namespace metadata, the pebble chat stream and the kv chat store.
//
// The fsync policy (always, interval, never) is fixed at Open. After Close
// every operation returns ErrClosed, and Ping reports the same, which is
// what the health endpoints check.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeInterval})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("room/1"), payload, nil)
//	err = db.CommitBatch(ctx, b)
//
//	err = db.ScanPrefix([]byte("room/"), func(k, v []byte) bool { return true })
package pebblestore
