package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"relocation/internal/config"
	"relocation/internal/domain"
	"relocation/internal/engine/auth"
	"relocation/internal/events"
	"relocation/internal/metrics"
	"relocation/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Gate
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeLayout)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// eventWriter returns the writer pinned to the engine clock so log rows and records
// carry the same timestamp.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// track starts timing op; call the returned func with a pointer to the named error
// result in a defer.
func (e Engine) track(op, entityType string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		code := ErrorCode(err)
		e.Metrics.ObserveOperation(op, entityType, code, time.Since(start))
		if err != nil && code == "internal" {
			e.logger().Error("operation failed", "op", op, "entity_type", entityType, "err", err)
		} else if err != nil {
			e.logger().Debug("operation rejected", "op", op, "entity_type", entityType, "code", code, "err", err)
		}
	}
}

// NextSequence hands out the next value of a scoped counter outside any record
// transaction.
func (e Engine) NextSequence(ctx context.Context, scope string) (int64, error) {
	return e.Repo.NextSequence(ctx, scope)
}

func (e Engine) nextIDTx(ctx context.Context, tx *sql.Tx, counter, prefix string) (string, error) {
	n, err := e.Repo.NextSequenceTx(ctx, tx, counter)
	if err != nil {
		return "", fmt.Errorf("allocate id for %s: %w", counter, err)
	}
	return fmt.Sprintf("%s_%d", prefix, n), nil
}
