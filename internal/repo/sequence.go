package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const nextSeqSQL = `INSERT INTO counters(scope, seq) VALUES (?, 1)
ON CONFLICT(scope) DO UPDATE SET seq = counters.seq + 1
RETURNING seq`

// NextSequence atomically increments and returns the counter for scope. The
// increment and the read are one statement, so concurrent callers never observe
// the same value.
func (r Repo) NextSequence(ctx context.Context, scope string) (int64, error) {
	return nextSequence(ctx, r.DB, scope)
}

// NextSequenceTx allocates inside tx; the value is released again if tx rolls back.
func (r Repo) NextSequenceTx(ctx context.Context, tx *sql.Tx, scope string) (int64, error) {
	return nextSequence(ctx, tx, scope)
}

func nextSequence(ctx context.Context, q queryer, scope string) (int64, error) {
	if strings.TrimSpace(scope) == "" {
		return 0, errors.New("sequence scope required")
	}
	var seq int64
	if err := q.QueryRowContext(ctx, nextSeqSQL, scope).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// CurrentSequence returns the last issued value, 0 if none.
func (r Repo) CurrentSequence(ctx context.Context, scope string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT seq FROM counters WHERE scope=?`, scope).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
