package store

// schemaVersion is the current schema version recorded after migration.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	credits_balance INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name              TEXT NOT NULL,
	personality       TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT 'pt-BR',
	working_hours     TEXT NOT NULL DEFAULT '',
	services          TEXT NOT NULL DEFAULT '',
	response_delay_ms INTEGER NOT NULL DEFAULT 0,
	max_context       INTEGER NOT NULL DEFAULT 10,
	is_active         INTEGER NOT NULL DEFAULT 1,
	connection_state  TEXT NOT NULL DEFAULT 'uninitialized',
	session_identity  TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	question   TEXT NOT NULL,
	answer     TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_agent ON knowledge_entries(agent_id, enabled);

CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	contact_identity TEXT NOT NULL,
	contact_name     TEXT NOT NULL DEFAULT '',
	is_active        INTEGER NOT NULL DEFAULT 1,
	last_message_at  TEXT NOT NULL,
	message_count    INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
	ON conversations(agent_id, contact_identity) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_conversations_recency
	ON conversations(agent_id, last_message_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	agent_id        TEXT NOT NULL,
	direction       TEXT NOT NULL CHECK (direction IN ('incoming', 'outgoing')),
	content         TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	ai_processed    INTEGER NOT NULL DEFAULT 0,
	credits_used    INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	type           TEXT NOT NULL CHECK (type IN ('debit', 'grant')),
	amount         INTEGER NOT NULL,
	balance_before INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	related_id     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON credit_transactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS daily_stats (
	agent_id             TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	day                  TEXT NOT NULL,
	total_messages       INTEGER NOT NULL DEFAULT 0,
	incoming_messages    INTEGER NOT NULL DEFAULT 0,
	outgoing_messages    INTEGER NOT NULL DEFAULT 0,
	ai_responses         INTEGER NOT NULL DEFAULT 0,
	tokens_used          INTEGER NOT NULL DEFAULT 0,
	active_conversations INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_id, day)
);

CREATE TABLE IF NOT EXISTS pipeline_jobs (
	id               TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	contact_identity TEXT NOT NULL,
	contact_name     TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL,
	external_id      TEXT NOT NULL DEFAULT '',
	received_at      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	next_retry_at    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON pipeline_jobs(status, created_at);
`
