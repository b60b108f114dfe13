package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"tgbatch/internal/domain"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(dbPath))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	token TEXT PRIMARY KEY,
	owner_id INTEGER NOT NULL,
	source_chat_id INTEGER NOT NULL,
	source_title TEXT NOT NULL DEFAULT '',
	first_msg_id INTEGER NOT NULL,
	last_msg_id INTEGER NOT NULL,
	files INTEGER NOT NULL,
	protected INTEGER NOT NULL DEFAULT 0,
	doc_id INTEGER NOT NULL,
	doc_access_hash INTEGER NOT NULL,
	doc_file_reference BLOB,
	doc_dc INTEGER NOT NULL DEFAULT 0,
	doc_size INTEGER NOT NULL DEFAULT 0,
	doc_file_id TEXT NOT NULL DEFAULT '',
	log_chat_id INTEGER NOT NULL DEFAULT 0,
	log_msg_id INTEGER NOT NULL DEFAULT 0,
	link TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_owner_created ON batches(owner_id, created_at);

CREATE TABLE IF NOT EXISTS peers (
	kind TEXT NOT NULL,
	peer_id INTEGER NOT NULL,
	access_hash INTEGER NOT NULL DEFAULT 0,
	username TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (kind, peer_id)
);

CREATE INDEX IF NOT EXISTS idx_peers_username ON peers(username);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultValue, nil
	}
	return value, err
}

func (s *Store) GetSettingInt(ctx context.Context, key string, defaultValue int) (int, error) {
	raw, err := s.GetSetting(ctx, key, strconv.Itoa(defaultValue))
	if err != nil {
		return defaultValue, err
	}
	parsed, parseErr := strconv.Atoi(raw)
	if parseErr != nil {
		return defaultValue, nil
	}
	return parsed, nil
}

func (s *Store) InsertBatch(ctx context.Context, rec domain.BatchRecord) error {
	if strings.TrimSpace(rec.Token) == "" {
		return errors.New("batch token is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO batches(token, owner_id, source_chat_id, source_title, first_msg_id, last_msg_id, files, protected,
	doc_id, doc_access_hash, doc_file_reference, doc_dc, doc_size, doc_file_id, log_chat_id, log_msg_id, link, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
	owner_id = excluded.owner_id,
	source_chat_id = excluded.source_chat_id,
	source_title = excluded.source_title,
	first_msg_id = excluded.first_msg_id,
	last_msg_id = excluded.last_msg_id,
	files = excluded.files,
	protected = excluded.protected,
	doc_file_reference = excluded.doc_file_reference,
	doc_size = excluded.doc_size,
	doc_file_id = excluded.doc_file_id,
	log_chat_id = excluded.log_chat_id,
	log_msg_id = excluded.log_msg_id,
	link = excluded.link,
	created_at = excluded.created_at`,
		rec.Token, rec.OwnerID, rec.SourceChatID, rec.SourceTitle, rec.FirstMsgID, rec.LastMsgID, rec.Files, boolToInt(rec.Protected),
		rec.Manifest.ID, rec.Manifest.AccessHash, rec.Manifest.FileReference, rec.Manifest.DC, rec.Manifest.Size, rec.Manifest.FileID,
		rec.Manifest.ChatID, rec.Manifest.MsgID, rec.Link, rec.CreatedAt,
	)
	return err
}

const batchColumns = `token, owner_id, source_chat_id, source_title, first_msg_id, last_msg_id, files, protected,
	doc_id, doc_access_hash, doc_file_reference, doc_dc, doc_size, doc_file_id, log_chat_id, log_msg_id, link, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.BatchRecord, error) {
	var (
		rec       domain.BatchRecord
		protected int
	)
	err := row.Scan(
		&rec.Token, &rec.OwnerID, &rec.SourceChatID, &rec.SourceTitle, &rec.FirstMsgID, &rec.LastMsgID, &rec.Files, &protected,
		&rec.Manifest.ID, &rec.Manifest.AccessHash, &rec.Manifest.FileReference, &rec.Manifest.DC, &rec.Manifest.Size, &rec.Manifest.FileID,
		&rec.Manifest.ChatID, &rec.Manifest.MsgID, &rec.Link, &rec.CreatedAt,
	)
	if err != nil {
		return domain.BatchRecord{}, err
	}
	rec.Protected = protected == 1
	return rec, nil
}

func (s *Store) GetBatch(ctx context.Context, token string) (domain.BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE token = ?`, token)
	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchRecord{}, fmt.Errorf("batch %q: %w", token, domain.ErrNotFound)
	}
	return rec, err
}

// ListBatches returns the newest batches first. ownerID 0 lists every owner.
func (s *Store) ListBatches(ctx context.Context, ownerID int64, limit int) ([]domain.BatchRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + batchColumns + ` FROM batches`
	args := make([]any, 0, 2)
	if ownerID != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, token ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.BatchRecord, 0, limit)
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountBatches(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM batches`).Scan(&count)
	return count, err
}

// UpdateManifestReference stores a refreshed file reference for a batch manifest.
func (s *Store) UpdateManifestReference(ctx context.Context, token string, ref []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET doc_file_reference = ? WHERE token = ?`, ref, token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("batch %q: %w", token, domain.ErrNotFound)
	}
	return nil
}

// PurgeBatchesBefore deletes batch records created before cutoffUnix.
func (s *Store) PurgeBatchesBefore(ctx context.Context, cutoffUnix int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE created_at < ?`, cutoffUnix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) UpsertPeer(ctx context.Context, peer domain.Peer, username string, updatedAt int64) error {
	if peer.ID == 0 || peer.Kind == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO peers(kind, peer_id, access_hash, username, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(kind, peer_id) DO UPDATE SET
	access_hash = CASE WHEN excluded.access_hash != 0 THEN excluded.access_hash ELSE peers.access_hash END,
	username = CASE WHEN excluded.username != '' THEN excluded.username ELSE peers.username END,
	updated_at = excluded.updated_at`,
		string(peer.Kind), peer.ID, peer.AccessHash, strings.ToLower(strings.TrimSpace(username)), updatedAt)
	return err
}

func (s *Store) GetPeer(ctx context.Context, kind domain.PeerKind, id int64) (domain.Peer, error) {
	peer := domain.Peer{Kind: kind, ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT access_hash FROM peers WHERE kind = ? AND peer_id = ?`, string(kind), id).Scan(&peer.AccessHash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Peer{}, fmt.Errorf("peer %s/%d: %w", kind, id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Peer{}, err
	}
	return peer, nil
}

func (s *Store) GetPeerByUsername(ctx context.Context, username string) (domain.Peer, error) {
	var (
		peer domain.Peer
		kind string
	)
	username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	err := s.db.QueryRowContext(ctx, `SELECT kind, peer_id, access_hash FROM peers WHERE username = ? ORDER BY updated_at DESC LIMIT 1`, username).
		Scan(&kind, &peer.ID, &peer.AccessHash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Peer{}, fmt.Errorf("peer @%s: %w", username, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Peer{}, err
	}
	peer.Kind = domain.PeerKind(kind)
	return peer, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
