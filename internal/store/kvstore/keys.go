package kvstore

import "encoding/binary"

// Layout under store/{ns}/:
//   u/{user}            user json
//   r/{room}            room json
//   p/{room}{user}      participant json
//   ur/{user}{room}     membership index
//   m/{msg}             message json
//   o/{origin}          message id by origin stream id
//   rm/{room}{msg}      room message index
//   seq/{kind}          last allocated id
// Ids are big-endian uint64 so prefix scans return them in order.

type keys struct{ prefix []byte }

func newKeys(ns string) keys {
	return keys{prefix: []byte("store/" + ns + "/")}
}

func be8(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func fromBE8(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[len(b)-8:]))
}

func (k keys) build(seg string, parts ...[]byte) []byte {
	out := make([]byte, 0, len(k.prefix)+len(seg)+16*len(parts))
	out = append(out, k.prefix...)
	out = append(out, seg...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (k keys) user(id int64) []byte                 { return k.build("u/", be8(id)) }
func (k keys) room(id int64) []byte                 { return k.build("r/", be8(id)) }
func (k keys) roomsPrefix() []byte                  { return k.build("r/") }
func (k keys) participant(room, user int64) []byte  { return k.build("p/", be8(room), be8(user)) }
func (k keys) participantsPrefix(room int64) []byte { return k.build("p/", be8(room)) }
func (k keys) userRoom(user, room int64) []byte     { return k.build("ur/", be8(user), be8(room)) }
func (k keys) userRoomsPrefix(user int64) []byte    { return k.build("ur/", be8(user)) }
func (k keys) message(id int64) []byte              { return k.build("m/", be8(id)) }
func (k keys) origin(origin string) []byte          { return k.build("o/", []byte(origin)) }
func (k keys) roomMessage(room, msg int64) []byte   { return k.build("rm/", be8(room), be8(msg)) }
func (k keys) roomMessagesPrefix(room int64) []byte { return k.build("rm/", be8(room)) }
func (k keys) seq(kind string) []byte               { return k.build("seq/", []byte(kind)) }
