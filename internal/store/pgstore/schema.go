package pgstore

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGINT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rooms (
	id               BIGSERIAL PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	max_participants INT,
	private          BOOLEAN NOT NULL DEFAULT false,
	created_by       BIGINT NOT NULL REFERENCES users(id),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message     TEXT NOT NULL DEFAULT '',
	last_message_at  TIMESTAMPTZ,
	last_message_id  BIGINT
);

CREATE TABLE IF NOT EXISTS chat_participants (
	id                   BIGSERIAL PRIMARY KEY,
	room_id              BIGINT NOT NULL REFERENCES rooms(id),
	user_id              BIGINT NOT NULL REFERENCES users(id),
	role                 TEXT NOT NULL,
	active               BOOLEAN NOT NULL,
	joined_at            TIMESTAMPTZ NOT NULL,
	left_at              TIMESTAMPTZ,
	last_read_message_id BIGINT NOT NULL DEFAULT 0,
	last_read_at         TIMESTAMPTZ,
	UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS chat_participants_user_idx ON chat_participants (user_id) WHERE active;

CREATE TABLE IF NOT EXISTS chat_messages (
	id               BIGSERIAL PRIMARY KEY,
	room_id          BIGINT NOT NULL REFERENCES rooms(id),
	sender_id        BIGINT NOT NULL,
	sender_name      TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	read_at          TIMESTAMPTZ,
	origin_stream_id TEXT UNIQUE
);
CREATE INDEX IF NOT EXISTS chat_messages_room_idx ON chat_messages (room_id, id DESC);
`
