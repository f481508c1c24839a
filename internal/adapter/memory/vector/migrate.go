package vector

import "database/sql"

// migrate creates the schema if it doesn't exist. seq records append order,
// which is what eviction and recency follow.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS turns (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			participant_id  TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			embedding       BLOB,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS turns_conversation_seq ON turns(conversation_id, seq);

		CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
			content, content=turns, content_rowid=seq
		);

		CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
			INSERT INTO turns_fts(rowid, content) VALUES (new.seq, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON turns BEGIN
			INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.seq, old.content);
		END;
	`
	_, err := db.Exec(schema)
	return err
}
