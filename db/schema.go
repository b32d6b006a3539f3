// ABOUTME: Database schema definitions and migrations
// ABOUTME: Documents, the (document, version) mutation log, and snapshots
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	created_by TEXT,
	created_at DATETIME NOT NULL,
	frozen_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_documents_session_id ON documents(session_id);

CREATE TABLE IF NOT EXISTS mutations (
	document_id TEXT NOT NULL,
	version INTEGER NOT NULL CHECK(version > 0),
	id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('create', 'add-element', 'update-element', 'remove-element', 'add-page', 'set-active-page', 'update-settings')),
	page_number INTEGER,
	element_id TEXT,
	actor_id TEXT,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (document_id, version),
	FOREIGN KEY (document_id) REFERENCES documents(id)
);

CREATE INDEX IF NOT EXISTS idx_mutations_element_id ON mutations(document_id, element_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mutations_id ON mutations(id);

CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT NOT NULL,
	version INTEGER NOT NULL CHECK(version > 0),
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (document_id, version),
	FOREIGN KEY (document_id) REFERENCES documents(id)
);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
