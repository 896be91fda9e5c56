package eventlog

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - ns/{ns}/log/{topic}/m
// - ns/{ns}/log/{topic}/e/{seq_be8}
// - ns/{ns}/group/{topic}/{group}/m              group metadata (json)
// - ns/{ns}/group/{topic}/{group}/c              last delivered seq
// - ns/{ns}/group/{topic}/{group}/p/{seq_be8}    pending entry (json)
// - ns/{ns}/group/{topic}/{group}/k/{consumer}   consumer last seen ms

var (
	sep         = byte('/')
	nsPrefix    = []byte("ns/")
	logSeg      = []byte("/log/")
	groupSeg    = []byte("/group/")
	metaSuffix  = []byte("/m")
	entrySeg    = []byte("/e/")
	cursorSuf   = []byte("/c")
	pendingSeg  = []byte("/p/")
	consumerSeg = []byte("/k/")
)

// ValidateName rejects names that would break the key layout.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("eventlog: empty %s name", kind)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("eventlog: invalid %s name %q", kind, name)
	}
	return nil
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func logPrefix(namespace, topic string) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+24)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, logSeg...)
	k = append(k, topic...)
	return k
}

// KeyLogMeta builds the topic metadata key.
func KeyLogMeta(namespace, topic string) []byte {
	return append(logPrefix(namespace, topic), metaSuffix...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(namespace, topic string, seq uint64) []byte {
	k := append(logPrefix(namespace, topic), entrySeg...)
	return appendBE8(k, seq)
}

func groupPrefix(namespace, topic, group string) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+len(group)+32)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, groupSeg...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	return k
}

// KeyGroupsPrefix covers every group of a topic.
func KeyGroupsPrefix(namespace, topic string) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+16)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, groupSeg...)
	k = append(k, topic...)
	k = append(k, sep)
	return k
}

// KeyGroupMeta builds the group metadata key.
func KeyGroupMeta(namespace, topic, group string) []byte {
	return append(groupPrefix(namespace, topic, group), metaSuffix...)
}

// KeyCursor builds the last-delivered cursor key for a group.
func KeyCursor(namespace, topic, group string) []byte {
	return append(groupPrefix(namespace, topic, group), cursorSuf...)
}

// KeyPendingPrefix covers every pending entry of a group.
func KeyPendingPrefix(namespace, topic, group string) []byte {
	return append(groupPrefix(namespace, topic, group), pendingSeg...)
}

// KeyPending builds the pending-entry key for seq.
func KeyPending(namespace, topic, group string, seq uint64) []byte {
	return appendBE8(KeyPendingPrefix(namespace, topic, group), seq)
}

// KeyConsumerPrefix covers every consumer registered in a group.
func KeyConsumerPrefix(namespace, topic, group string) []byte {
	return append(groupPrefix(namespace, topic, group), consumerSeg...)
}

// KeyConsumer builds the consumer registry key.
func KeyConsumer(namespace, topic, group, consumer string) []byte {
	return append(KeyConsumerPrefix(namespace, topic, group), consumer...)
}

func seqSuffix(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
