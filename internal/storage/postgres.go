package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN is the lib/pq keyword connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// URL is the connection string in URL form, as golang-migrate expects it.
func (c DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// ApplyMigrations brings the schema up to date from the embedded migrations.
func ApplyMigrations(config DatabaseConfig, logger *zap.Logger) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, config.URL())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No new migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, _, _ := m.Version()
	logger.Info("Database migrations applied", zap.Uint("version", version))
	return nil
}

type PostgresStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sqlx.Connect("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	return NewPostgresStorageWithDB(db, logger), nil
}

// NewPostgresStorageWithDB wraps an open connection.
func NewPostgresStorageWithDB(db *sqlx.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{db: db, logger: logger}
}

const messageColumns = `id, platform, source_id, source_name, content, content_hash, timestamp,
	author_id, author_name, author_followers, metadata, COALESCE(collector_id, 0) AS collector_id,
	created_at, processed_at`

func (s *PostgresStorage) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(hashes) == 0 {
		return found, nil
	}

	var existing []string
	err := s.db.SelectContext(ctx, &existing,
		`SELECT content_hash FROM messages WHERE content_hash = ANY($1)`, pq.Array(hashes))
	if err != nil {
		return nil, fmt.Errorf("error querying content hashes: %w", err)
	}
	for _, h := range existing {
		found[h] = struct{}{}
	}
	return found, nil
}

func (s *PostgresStorage) InsertMessages(ctx context.Context, msgs []*models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (platform, source_id, source_name, content, content_hash, timestamp,
			author_id, author_name, author_followers, metadata, collector_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id, created_at`

	inserted := 0
	for _, msg := range msgs {
		err := tx.QueryRowxContext(ctx, query,
			msg.Platform,
			msg.SourceID,
			msg.SourceName,
			msg.Content,
			msg.ContentHash,
			msg.Timestamp,
			msg.AuthorID,
			msg.AuthorName,
			msg.AuthorFollowers,
			msg.Metadata,
			nullableID(msg.CollectorID),
		).Scan(&msg.ID, &msg.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("error inserting message %s: %w", msg.SourceID, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing messages: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStorage) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying message: %w", err)
	}
	return &msg, nil
}

func (s *PostgresStorage) UnprocessedMessages(ctx context.Context, filter UnprocessedFilter) ([]*models.Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.processed_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM mentions x WHERE x.message_id = m.id)
		  AND ($1::bigint = 0 OR m.collector_id = $1::bigint)
		ORDER BY m.timestamp DESC
		LIMIT $2`

	var msgs []*models.Message
	if err := s.db.SelectContext(ctx, &msgs, query, filter.CollectorID, limit); err != nil {
		return nil, fmt.Errorf("error querying unprocessed messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStorage) CountMentions(ctx context.Context, messageID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM mentions WHERE message_id = $1`, messageID); err != nil {
		return 0, fmt.Errorf("error counting mentions: %w", err)
	}
	return n, nil
}

func (s *PostgresStorage) ListMentions(ctx context.Context, messageID int64) ([]*models.Mention, error) {
	query := `
		SELECT id, message_id, token_id, confidence, is_valid, is_verified,
			verified_by, verified_at, notes, created_at
		FROM mentions
		WHERE message_id = $1
		ORDER BY id`

	var mentions []*models.Mention
	if err := s.db.SelectContext(ctx, &mentions, query, messageID); err != nil {
		return nil, fmt.Errorf("error querying mentions: %w", err)
	}
	return mentions, nil
}

func (s *PostgresStorage) SaveExtraction(ctx context.Context, messageID int64, mentions []*models.Mention) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO mentions (message_id, token_id, confidence, is_valid)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, token_id) DO NOTHING
		RETURNING id, created_at`

	saved := 0
	for _, m := range mentions {
		err := tx.QueryRowxContext(ctx, query, messageID, m.TokenID, m.Confidence, m.IsValid).
			Scan(&m.ID, &m.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("error inserting mention: %w", err)
		}
		m.MessageID = messageID
		saved++
	}

	result, err := tx.ExecContext(ctx, `UPDATE messages SET processed_at = NOW() WHERE id = $1`, messageID)
	if err != nil {
		return 0, fmt.Errorf("error marking message processed: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return 0, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing mentions: %w", err)
	}
	return saved, nil
}

func (s *PostgresStorage) ListTokens(ctx context.Context) ([]*models.Token, error) {
	var tokens []*models.Token
	err := s.db.SelectContext(ctx, &tokens, `SELECT id, name, symbol, address, chain FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying tokens: %w", err)
	}
	return tokens, nil
}

const collectorColumns = `id, name, collector_type, config, description, is_active,
	last_run_at, last_run_status, last_run_message, created_at, updated_at`

func (s *PostgresStorage) GetCollector(ctx context.Context, id int64) (*models.Collector, error) {
	var c models.Collector
	err := s.db.GetContext(ctx, &c, `SELECT `+collectorColumns+` FROM collectors WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying collector: %w", err)
	}
	return &c, nil
}

func (s *PostgresStorage) ListActiveCollectors(ctx context.Context) ([]*models.Collector, error) {
	var collectors []*models.Collector
	err := s.db.SelectContext(ctx, &collectors,
		`SELECT `+collectorColumns+` FROM collectors WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying collectors: %w", err)
	}
	return collectors, nil
}

func (s *PostgresStorage) SaveCollectorRun(ctx context.Context, c *models.Collector) error {
	query := `
		UPDATE collectors
		SET config = $1, last_run_at = $2, last_run_status = $3, last_run_message = $4, updated_at = $5
		WHERE id = $6`

	result, err := s.db.ExecContext(ctx, query,
		c.Config, c.LastRunAt, c.LastRunStatus, c.LastRunMessage, time.Now().UTC(), c.ID)
	if err != nil {
		return fmt.Errorf("error updating collector run: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStorage) SetRunMessage(ctx context.Context, id int64, message string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE collectors SET last_run_message = $1, updated_at = $2 WHERE id = $3`,
		message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("error updating collector message: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStorage) FindCollectorByRunMessage(ctx context.Context, fragment string) (*models.Collector, error) {
	var c models.Collector
	err := s.db.GetContext(ctx, &c, `
		SELECT `+collectorColumns+`
		FROM collectors
		WHERE strpos(last_run_message, $1) > 0
		ORDER BY updated_at DESC
		LIMIT 1`, fragment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying collector by run message: %w", err)
	}
	return &c, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
