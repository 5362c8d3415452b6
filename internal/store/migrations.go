package store

// migration holds a single schema migration with its target version and
// the SQL for each supported dialect.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

func (m migration) sqlFor(d dialect) string {
	if d == dialectPostgres {
		return m.postgres
	}
	return m.sqlite
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	consumer_id  TEXT PRIMARY KEY,
	mailbox      TEXT NOT NULL DEFAULT 'INBOX',
	cursor_uid   INTEGER NOT NULL DEFAULT 0 CHECK(cursor_uid >= 0),
	uid_validity INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS delivered_messages (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL,
	consumer_id    TEXT NOT NULL,
	sender_address TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	delivered_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(message_id, consumer_id)
);

CREATE INDEX IF NOT EXISTS idx_delivered_consumer ON delivered_messages(consumer_id);
CREATE INDEX IF NOT EXISTS idx_delivered_at ON delivered_messages(delivered_at);

INSERT INTO schema_version (version) VALUES (1);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	consumer_id  TEXT PRIMARY KEY,
	mailbox      TEXT NOT NULL DEFAULT 'INBOX',
	cursor_uid   BIGINT NOT NULL DEFAULT 0 CHECK(cursor_uid >= 0),
	uid_validity BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS delivered_messages (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL,
	consumer_id    TEXT NOT NULL,
	sender_address TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	delivered_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(message_id, consumer_id)
);

CREATE INDEX IF NOT EXISTS idx_delivered_consumer ON delivered_messages(consumer_id);
CREATE INDEX IF NOT EXISTS idx_delivered_at ON delivered_messages(delivered_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
