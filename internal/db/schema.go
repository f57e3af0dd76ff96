package db

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	display_name TEXT,
	avatar_url TEXT,
	online BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen TIMESTAMP,
	last_seen_visibility TEXT NOT NULL DEFAULT 'everyone',
	read_receipts BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contacts (
	owner_id INTEGER NOT NULL,
	contact_id INTEGER NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (owner_id, contact_id),
	FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE,
	FOREIGN KEY (contact_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS blocks (
	blocker_id INTEGER NOT NULL,
	blocked_id INTEGER NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (blocker_id, blocked_id),
	FOREIGN KEY (blocker_id) REFERENCES users(id) ON DELETE CASCADE,
	FOREIGN KEY (blocked_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	receiver_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	media_url TEXT,
	status TEXT NOT NULL DEFAULT 'sent',
	created_at TIMESTAMP NOT NULL,
	delivered_at TIMESTAMP,
	read_at TIMESTAMP,
	edited BOOLEAN NOT NULL DEFAULT FALSE,
	edited_at TIMESTAMP,
	deleted_for_everyone BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMP,
	FOREIGN KEY (sender_id) REFERENCES users(id),
	FOREIGN KEY (receiver_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS message_hidden (
	message_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	hidden_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (message_id, user_id),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS message_edits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL,
	editor_id INTEGER NOT NULL,
	previous_content TEXT NOT NULL,
	edited_at TIMESTAMP NOT NULL,
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	endpoint TEXT UNIQUE NOT NULL,
	p256dh TEXT NOT NULL,
	auth TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	revoked_at TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver_id, status);
CREATE INDEX IF NOT EXISTS idx_message_hidden_user ON message_hidden(user_id);
CREATE INDEX IF NOT EXISTS idx_message_edits_message ON message_edits(message_id);
CREATE INDEX IF NOT EXISTS idx_blocks_blocked ON blocks(blocked_id);
CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	display_name TEXT,
	avatar_url TEXT,
	online BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen TIMESTAMPTZ,
	last_seen_visibility TEXT NOT NULL DEFAULT 'everyone',
	read_receipts BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contacts (
	owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	contact_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (owner_id, contact_id)
);

CREATE TABLE IF NOT EXISTS blocks (
	blocker_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	blocked_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (blocker_id, blocked_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	sender_id BIGINT NOT NULL REFERENCES users(id),
	receiver_id BIGINT NOT NULL REFERENCES users(id),
	content TEXT NOT NULL,
	media_url TEXT,
	status TEXT NOT NULL DEFAULT 'sent',
	created_at TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ,
	read_at TIMESTAMPTZ,
	edited BOOLEAN NOT NULL DEFAULT FALSE,
	edited_at TIMESTAMPTZ,
	deleted_for_everyone BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS message_hidden (
	message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL,
	hidden_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS message_edits (
	id BIGSERIAL PRIMARY KEY,
	message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	editor_id BIGINT NOT NULL,
	previous_content TEXT NOT NULL,
	edited_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	endpoint TEXT UNIQUE NOT NULL,
	p256dh TEXT NOT NULL,
	auth TEXT NOT NULL,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
	revoked_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver_id, status);
CREATE INDEX IF NOT EXISTS idx_message_hidden_user ON message_hidden(user_id);
CREATE INDEX IF NOT EXISTS idx_message_edits_message ON message_edits(message_id);
CREATE INDEX IF NOT EXISTS idx_blocks_blocked ON blocks(blocked_id);
CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id);
`
