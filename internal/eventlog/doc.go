// Package eventlog implements the embedded append-only log that backs the
// chat stream when no external broker is configured.
//
// # Overview
//
// Each namespace/topic is persisted in Pebble with lexicographically ordered keys:
//   - ns/{ns}/log/{topic}/m                          (lastSeq | lastMs)
//   - ns/{ns}/log/{topic}/e/{seq_be8}                (entries)
//   - ns/{ns}/group/{topic}/{group}/{m,c,p/..,k/..}  (consumer groups)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload).
//
// Consumer groups
//
//	_ = l.CreateGroup(ctx, "chat-group", 0)
//	ds, _ := l.ReadGroup(ctx, "chat-group", "consumer-1", 10, 2*time.Second)
//	_, _ = l.Ack(ctx, "chat-group", ds[0].Seq)
//
// Every delivered entry stays in the group's pending list until acknowledged.
// Claim walks that list to hand idle entries to another consumer, which is how
// recovery after a crash picks them back up.
//
// Trims (by age using header timestamps, or by total bytes) report every
// deleted range to an ArchiverHook installed with SetArchiver.
package eventlog
