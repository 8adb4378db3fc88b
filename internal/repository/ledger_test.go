package repository

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

type ledgerFixture struct {
	ledger  *SQLLedger
	db      *sql.DB
	pollID  string
	options []string
}

func setupLedger(t *testing.T) *ledgerFixture {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ledger, err := NewSQLLedger(db, nil, "sqlite", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, ledger.EnsureSchema(context.Background()))

	f := &ledgerFixture{ledger: ledger, db: db, pollID: uuid.NewString()}
	_, err = db.Exec(`INSERT INTO polls (id, title) VALUES (?, ?)`, f.pollID, "Best language")
	require.NoError(t, err)
	for _, title := range []string{"Go", "Rust"} {
		optionID := uuid.NewString()
		_, err = db.Exec(`INSERT INTO poll_options (id, title, poll_id) VALUES (?, ?, ?)`, optionID, title, f.pollID)
		require.NoError(t, err)
		f.options = append(f.options, optionID)
	}
	return f
}

func (f *ledgerFixture) vote(voterID, optionID string) *model.Vote {
	return &model.Vote{
		ID:           uuid.NewString(),
		VoterID:      voterID,
		PollID:       f.pollID,
		PollOptionID: optionID,
	}
}

func TestLedgerCreateAndFind(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	voter := uuid.NewString()

	_, found, err := f.ledger.FindByVoterAndPoll(ctx, voter, f.pollID)
	require.NoError(t, err)
	assert.False(t, found)

	vote := f.vote(voter, f.options[0])
	require.NoError(t, f.ledger.Create(ctx, vote))

	got, found, err := f.ledger.FindByVoterAndPoll(ctx, voter, f.pollID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, vote.ID, got.ID)
	assert.Equal(t, f.options[0], got.PollOptionID)
}

func TestLedgerCreateDuplicateVoterAndPollConflicts(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	voter := uuid.NewString()

	require.NoError(t, f.ledger.Create(ctx, f.vote(voter, f.options[0])))

	err := f.ledger.Create(ctx, f.vote(voter, f.options[1]))
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestLedgerCreateUnknownOptionIsNotFound(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	err := f.ledger.Create(ctx, f.vote(uuid.NewString(), uuid.NewString()))
	assert.ErrorIs(t, err, model.ErrNotFound)

	// option of another poll
	otherPoll := uuid.NewString()
	otherOption := uuid.NewString()
	_, err = f.db.Exec(`INSERT INTO polls (id) VALUES (?)`, otherPoll)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO poll_options (id, poll_id) VALUES (?, ?)`, otherOption, otherPoll)
	require.NoError(t, err)

	err = f.ledger.Create(ctx, f.vote(uuid.NewString(), otherOption))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLedgerOptionExists(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	ok, err := f.ledger.OptionExists(ctx, f.pollID, f.options[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.ledger.OptionExists(ctx, f.pollID, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.ledger.OptionExists(ctx, uuid.NewString(), f.options[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerDeleteReportsRemoval(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	vote := f.vote(uuid.NewString(), f.options[0])
	require.NoError(t, f.ledger.Create(ctx, vote))

	removed, err := f.ledger.Delete(ctx, vote.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.ledger.Delete(ctx, vote.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, found, err := f.ledger.FindByVoterAndPoll(ctx, vote.VoterID, f.pollID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLedgerCountByOptionAndPollIDs(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.ledger.Create(ctx, f.vote(uuid.NewString(), f.options[0])))
	}
	require.NoError(t, f.ledger.Create(ctx, f.vote(uuid.NewString(), f.options[1])))

	counts, err := f.ledger.CountByOption(ctx, f.pollID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{f.options[0]: 3, f.options[1]: 1}, counts)

	pollIDs, err := f.ledger.PollIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{f.pollID}, pollIDs)
}

func TestLedgerConcurrentCreateSameVoterSingleWinner(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	voter := uuid.NewString()

	var created, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.ledger.Create(ctx, f.vote(voter, f.options[0]))
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, model.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func TestRebindNumbersPlaceholdersForPostgres(t *testing.T) {
	ledger := &SQLLedger{dialect: dialects["postgres"]}
	assert.Equal(t,
		"SELECT id FROM votes WHERE session_id = $1 AND poll_id = $2",
		ledger.rebind("SELECT id FROM votes WHERE session_id = ? AND poll_id = ?"))

	ledger = &SQLLedger{dialect: dialects["mysql"]}
	assert.Equal(t, "DELETE FROM votes WHERE id = ?", ledger.rebind("DELETE FROM votes WHERE id = ?"))
}

func TestLedgerPing(t *testing.T) {
	f := setupLedger(t)
	assert.NoError(t, f.ledger.Ping(context.Background()))

	f.db.Close()
	assert.Error(t, f.ledger.Ping(context.Background()))
}

func TestSQLiteDSNEnablesForeignKeys(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"file::memory:", "file::memory:?_pragma=foreign_keys(1)"},
		{"votes.db?_pragma=busy_timeout(5000)", "votes.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		{"file::memory:?_pragma=foreign_keys(1)", "file::memory:?_pragma=foreign_keys(1)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqliteDSN(tt.dsn))
	}
}

func TestOpenLedgerSQLiteRejectsUnknownPollAndOption(t *testing.T) {
	ctx := context.Background()
	ledger, err := OpenLedger(config.LedgerConfig{Driver: "sqlite", DSN: "file::memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	require.NoError(t, ledger.EnsureSchema(ctx))

	err = ledger.Create(ctx, &model.Vote{
		ID:           uuid.NewString(),
		VoterID:      uuid.NewString(),
		PollID:       uuid.NewString(),
		PollOptionID: uuid.NewString(),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	counts, err := ledger.CountByOption(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, counts)
}
