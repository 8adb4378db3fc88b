package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

const (
	mysqlDuplicateEntry   = 1062
	mysqlNoReferencedRow  = 1452
	mysqlNoReferencedRow1 = 1216

	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqConnectionException = "08"
)

type dialect struct {
	driverName string
	// postgres uses $n placeholders
	numbered bool
	schema   []string
}

var dialects = map[string]dialect{
	"mysql": {
		driverName: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS polls (
				id CHAR(36) PRIMARY KEY,
				title VARCHAR(255) NOT NULL DEFAULT '',
				created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
			) ENGINE=InnoDB`,
			`CREATE TABLE IF NOT EXISTS poll_options (
				id CHAR(36) PRIMARY KEY,
				title VARCHAR(255) NOT NULL DEFAULT '',
				poll_id CHAR(36) NOT NULL,
				UNIQUE KEY uk_poll_options_id_poll (id, poll_id),
				CONSTRAINT fk_poll_options_poll FOREIGN KEY (poll_id) REFERENCES polls (id) ON DELETE CASCADE
			) ENGINE=InnoDB`,
			`CREATE TABLE IF NOT EXISTS votes (
				id CHAR(36) PRIMARY KEY,
				session_id VARCHAR(64) NOT NULL,
				poll_id CHAR(36) NOT NULL,
				poll_option_id CHAR(36) NOT NULL,
				created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
				UNIQUE KEY uk_votes_session_poll (session_id, poll_id),
				KEY idx_votes_poll_option (poll_id, poll_option_id),
				CONSTRAINT fk_votes_option FOREIGN KEY (poll_option_id, poll_id) REFERENCES poll_options (id, poll_id) ON DELETE CASCADE
			) ENGINE=InnoDB`,
		},
	},
	"postgres": {
		driverName: "postgres",
		numbered:   true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS polls (
				id VARCHAR(36) PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS poll_options (
				id VARCHAR(36) PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				poll_id VARCHAR(36) NOT NULL REFERENCES polls (id) ON DELETE CASCADE,
				UNIQUE (id, poll_id)
			)`,
			`CREATE TABLE IF NOT EXISTS votes (
				id VARCHAR(36) PRIMARY KEY,
				session_id VARCHAR(64) NOT NULL,
				poll_id VARCHAR(36) NOT NULL,
				poll_option_id VARCHAR(36) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (session_id, poll_id),
				FOREIGN KEY (poll_option_id, poll_id) REFERENCES poll_options (id, poll_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_votes_poll_option ON votes (poll_id, poll_option_id)`,
		},
	},
	"sqlite": {
		driverName: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS polls (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS poll_options (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				poll_id TEXT NOT NULL REFERENCES polls (id) ON DELETE CASCADE,
				UNIQUE (id, poll_id)
			)`,
			`CREATE TABLE IF NOT EXISTS votes (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				poll_id TEXT NOT NULL,
				poll_option_id TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (session_id, poll_id),
				FOREIGN KEY (poll_option_id, poll_id) REFERENCES poll_options (id, poll_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_votes_poll_option ON votes (poll_id, poll_option_id)`,
		},
	},
}

// SQLLedger is the durable vote ledger. Writes and the per-voter lookup always
// go to the primary; the poll sweep used by reconciliation may read a replica.
type SQLLedger struct {
	primary *sql.DB
	replica *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// OpenLedger opens the primary (and optional replica) connection pools for the
// configured driver and verifies them.
func OpenLedger(cfg config.LedgerConfig, logger *zap.Logger) (*SQLLedger, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}

	primary, err := openPool(d, cfg.DSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("open primary ledger database: %w", err)
	}

	replica := primary
	if cfg.ReplicaDSN != "" {
		replica, err = openPool(d, cfg.ReplicaDSN, cfg)
		if err != nil {
			logger.Warn("ledger replica unavailable, reads fall back to primary", zap.Error(err))
			replica = primary
		}
	}

	return NewSQLLedger(primary, replica, cfg.Driver, logger)
}

func openPool(d dialect, dsn string, cfg config.LedgerConfig) (*sql.DB, error) {
	if d.driverName == "sqlite" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, err
	}

	if d.driverName == "sqlite" {
		// one connection keeps in-memory databases shared and serialises writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if d.driverName == "sqlite" {
		var enabled int
		if err := db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&enabled); err != nil {
			db.Close()
			return nil, fmt.Errorf("read sqlite foreign_keys pragma: %w", err)
		}
		if enabled != 1 {
			db.Close()
			return nil, errors.New("sqlite foreign keys are disabled; remove foreign_keys from the dsn")
		}
	}
	return db, nil
}

// sqliteDSN turns on foreign key enforcement for every connection the pool
// opens; votes rely on it to reject unknown polls and options.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// NewSQLLedger wraps already opened pools. replica may be nil.
func NewSQLLedger(primary, replica *sql.DB, driverName string, logger *zap.Logger) (*SQLLedger, error) {
	d, ok := dialects[driverName]
	if !ok {
		return nil, fmt.Errorf("unsupported ledger driver %q", driverName)
	}
	if replica == nil {
		replica = primary
	}
	return &SQLLedger{
		primary: primary,
		replica: replica,
		dialect: d,
		logger:  logger.Named("ledger"),
	}, nil
}

// EnsureSchema creates the ledger tables when they do not exist.
func (l *SQLLedger) EnsureSchema(ctx context.Context) error {
	for _, stmt := range l.dialect.schema {
		if _, err := l.primary.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create ledger schema: %w", err)
		}
	}
	return nil
}

// FindByVoterAndPoll looks the vote up through the (session_id, poll_id) unique index.
func (l *SQLLedger) FindByVoterAndPoll(ctx context.Context, voterID, pollID string) (*model.Vote, bool, error) {
	query := l.rebind(`SELECT id, session_id, poll_id, poll_option_id FROM votes WHERE session_id = ? AND poll_id = ?`)

	var vote model.Vote
	err := l.primary.QueryRowContext(ctx, query, voterID, pollID).
		Scan(&vote.ID, &vote.VoterID, &vote.PollID, &vote.PollOptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, l.classify("find vote", err)
	}
	return &vote, true, nil
}

// OptionExists reports whether optionID is an option of pollID.
func (l *SQLLedger) OptionExists(ctx context.Context, pollID, optionID string) (bool, error) {
	query := l.rebind(`SELECT 1 FROM poll_options WHERE id = ? AND poll_id = ?`)

	var one int
	err := l.primary.QueryRowContext(ctx, query, optionID, pollID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, l.classify("find poll option", err)
	}
	return true, nil
}

// Create inserts the vote. A second vote for the same (voter, poll) fails with
// model.ErrConflict; an unknown poll or option fails with model.ErrNotFound.
func (l *SQLLedger) Create(ctx context.Context, vote *model.Vote) error {
	if vote.CreatedAt.IsZero() {
		vote.CreatedAt = time.Now().UTC()
	}
	query := l.rebind(`INSERT INTO votes (id, session_id, poll_id, poll_option_id, created_at) VALUES (?, ?, ?, ?, ?)`)
	_, err := l.primary.ExecContext(ctx, query, vote.ID, vote.VoterID, vote.PollID, vote.PollOptionID, vote.CreatedAt)
	if err != nil {
		return l.classify("create vote", err)
	}
	return nil
}

// Delete removes the vote and reports whether a row was actually removed.
func (l *SQLLedger) Delete(ctx context.Context, voteID string) (bool, error) {
	result, err := l.primary.ExecContext(ctx, l.rebind(`DELETE FROM votes WHERE id = ?`), voteID)
	if err != nil {
		return false, l.classify("delete vote", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete vote rows affected: %w", err)
	}
	return affected > 0, nil
}

// CountByOption aggregates the recorded votes of a poll per option.
func (l *SQLLedger) CountByOption(ctx context.Context, pollID string) (map[string]int64, error) {
	query := l.rebind(`SELECT poll_option_id, COUNT(*) FROM votes WHERE poll_id = ? GROUP BY poll_option_id`)
	rows, err := l.primary.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, l.classify("count votes", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var optionID string
		var count int64
		if err := rows.Scan(&optionID, &count); err != nil {
			return nil, fmt.Errorf("scan vote count: %w", err)
		}
		counts[optionID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, l.classify("iterate vote counts", err)
	}
	return counts, nil
}

// PollIDs lists every poll that has at least one recorded vote.
func (l *SQLLedger) PollIDs(ctx context.Context) ([]string, error) {
	rows, err := l.replica.QueryContext(ctx, `SELECT DISTINCT poll_id FROM votes ORDER BY poll_id`)
	if err != nil {
		return nil, l.classify("list voted polls", err)
	}
	defer rows.Close()

	var pollIDs []string
	for rows.Next() {
		var pollID string
		if err := rows.Scan(&pollID); err != nil {
			return nil, fmt.Errorf("scan poll id: %w", err)
		}
		pollIDs = append(pollIDs, pollID)
	}
	if err := rows.Err(); err != nil {
		return nil, l.classify("iterate voted polls", err)
	}
	return pollIDs, nil
}

// Ping reports whether the primary answers.
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.primary.PingContext(ctx)
}

// Close releases both connection pools.
func (l *SQLLedger) Close() {
	if l.primary != nil {
		l.primary.Close()
	}
	if l.replica != nil && l.replica != l.primary {
		l.replica.Close()
	}
}

func (l *SQLLedger) rebind(query string) string {
	if !l.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *SQLLedger) classify(op string, err error) error {
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %w", op, model.ErrConflict, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%s: %w: %w", op, model.ErrNotFound, err)
	case isConnectionError(err):
		return fmt.Errorf("%s: %w: %w", op, model.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
			(strings.Contains(liteErr.Error(), "UNIQUE constraint failed") ||
				strings.Contains(liteErr.Error(), "PRIMARY KEY constraint failed"))
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNoReferencedRow || myErr.Number == mysqlNoReferencedRow1
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqForeignKeyViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
			strings.Contains(liteErr.Error(), "FOREIGN KEY constraint failed")
	}
	return false
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == pqConnectionException
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
