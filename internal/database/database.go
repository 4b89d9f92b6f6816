package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; SQLite locks the whole file anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		handle TEXT NOT NULL UNIQUE,
		avatar_url TEXT DEFAULT '',
		is_bot INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		content_kind TEXT NOT NULL DEFAULT 'user',
		original_content TEXT DEFAULT '',
		summary TEXT,
		source_url TEXT DEFAULT '',
		source_name TEXT DEFAULT '',
		author_name TEXT DEFAULT '',
		author_handle TEXT DEFAULT '',
		author_username TEXT DEFAULT '',
		author_avatar TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS processed_items (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		bot_handle TEXT NOT NULL,
		guid TEXT NOT NULL,
		link TEXT,
		source_url TEXT NOT NULL,
		title TEXT DEFAULT '',
		processed_at INTEGER NOT NULL,
		post_id TEXT REFERENCES posts(id) ON DELETE SET NULL,
		UNIQUE(bot_id, guid),
		UNIQUE(bot_id, link)
	);
	CREATE INDEX IF NOT EXISTS idx_posts_author_created ON posts(author_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_processed_processed_at ON processed_items(processed_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Identity Methods ---

// IdentityExists reports whether a profile row exists for id.
func (db *DB) IdentityExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM profiles WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

// UpsertIdentity creates or refreshes the profile row for a bot.
func (db *DB) UpsertIdentity(ctx context.Context, bot model.BotIdentity) error {
	now := db.now().UnixMilli()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO profiles (id, name, handle, avatar_url, is_bot, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			handle = excluded.handle,
			avatar_url = excluded.avatar_url,
			is_bot = 1,
			updated_at = excluded.updated_at`,
		bot.ID, bot.Name, bot.Username(), bot.AvatarURL, now, now)
	return err
}

// --- Post Methods ---

// InsertPost writes a post and returns its reference.
func (db *DB) InsertPost(ctx context.Context, post *model.Post) (model.PostRef, error) {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = db.now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO posts (id, author_id, content, content_kind, original_content, summary,
			source_url, source_name, author_name, author_handle, author_username, author_avatar, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.AuthorID, post.Content, post.ContentKind, post.OriginalContent, nullableStringPtr(post.Summary),
		post.SourceURL, post.SourceName, post.AuthorName, post.AuthorHandle, post.AuthorUsername,
		post.AuthorAvatar, post.CreatedAt.UnixMilli())
	if err != nil {
		return model.PostRef{}, mapSQLiteError(err)
	}
	return model.PostRef{ID: post.ID, CreatedAt: post.CreatedAt}, nil
}

// GetPostByID returns a post or ErrNotFound.
func (db *DB) GetPostByID(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	var summary sql.NullString
	var created int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, author_id, content, content_kind, original_content, summary, source_url, source_name,
			author_name, author_handle, author_username, author_avatar, created_at
		FROM posts WHERE id = ?`, id).
		Scan(&p.ID, &p.AuthorID, &p.Content, &p.ContentKind, &p.OriginalContent, &summary,
			&p.SourceURL, &p.SourceName, &p.AuthorName, &p.AuthorHandle, &p.AuthorUsername,
			&p.AuthorAvatar, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if summary.Valid {
		p.Summary = &summary.String
	}
	p.CreatedAt = time.UnixMilli(created)
	return &p, nil
}

// CountPostsByAuthor returns the number of posts written by authorID.
func (db *DB) CountPostsByAuthor(ctx context.Context, authorID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE author_id = ?", authorID).Scan(&n)
	return n, err
}

// --- Ledger Methods ---

// ProcessedExistsByGUID reports whether (botID, guid) is in the ledger.
func (db *DB) ProcessedExistsByGUID(ctx context.Context, botID, guid string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_items WHERE bot_id = ? AND guid = ?)", botID, guid).Scan(&exists)
	return exists, err
}

// ProcessedExistsByLink reports whether (botID, link) is in the ledger.
func (db *DB) ProcessedExistsByLink(ctx context.Context, botID, link string) (bool, error) {
	if link == "" {
		return false, nil
	}
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_items WHERE bot_id = ? AND link = ?)", botID, link).Scan(&exists)
	return exists, err
}

// InsertProcessed adds a ledger record. A uniqueness violation returns ErrDuplicate.
func (db *DB) InsertProcessed(ctx context.Context, rec *model.ProcessedItem) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = db.now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO processed_items (id, bot_id, bot_handle, guid, link, source_url, title, processed_at, post_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BotID, rec.BotHandle, rec.GUID, nullableString(rec.Link), rec.SourceURL, rec.Title,
		rec.ProcessedAt.UnixMilli(), nullableStringPtr(rec.PostID))
	return mapSQLiteError(err)
}

// DeleteProcessedOlderThan removes ledger records processed before cutoff.
func (db *DB) DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM processed_items WHERE processed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListProcessed returns the most recent ledger records for a bot.
func (db *DB) ListProcessed(ctx context.Context, botID string, limit int) ([]model.ProcessedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, bot_id, bot_handle, guid, link, source_url, title, processed_at, post_id
		FROM processed_items WHERE bot_id = ?
		ORDER BY processed_at DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ProcessedItem
	for rows.Next() {
		var it model.ProcessedItem
		var link, postID sql.NullString
		var processed int64
		if err := rows.Scan(&it.ID, &it.BotID, &it.BotHandle, &it.GUID, &link, &it.SourceURL, &it.Title, &processed, &postID); err != nil {
			return nil, err
		}
		it.Link = link.String
		if postID.Valid {
			it.PostID = &postID.String
		}
		it.ProcessedAt = time.UnixMilli(processed)
		items = append(items, it)
	}
	return items, rows.Err()
}

// mapSQLiteError turns uniqueness violations into ErrDuplicate.
func mapSQLiteError(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}
