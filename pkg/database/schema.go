package database

// Schema mirrors the persisted shape of the chat backend: identity rows,
// group rows, the membership relation and message history. Memberships and
// messages reference their group; deleting a group removes members first,
// then messages, then the group row.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	password TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'user',
	is_blocked INTEGER NOT NULL DEFAULT 0,
	ip_address TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	admin_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (admin_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (group_id, user_id),
	FOREIGN KEY (group_id) REFERENCES groups(id),
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	FOREIGN KEY (group_id) REFERENCES groups(id),
	FOREIGN KEY (sender_id) REFERENCES users(id)
);
`

const indexSQL = `
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_group_time ON messages(group_id, timestamp);
`
