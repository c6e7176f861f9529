package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"relocation/internal/config"
	"relocation/internal/db"
	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
	"relocation/internal/metrics"
	"relocation/internal/migrate"
)

var (
	admin = auth.Principal{ID: "admin-1", Role: auth.RoleAdmin, Active: true}
	guard = auth.Principal{ID: "fg-1", Role: auth.RoleForestGuard, Active: true}
	ra    = auth.Principal{ID: "ra-1", Role: auth.RoleRA, Active: true}
	ro    = auth.Principal{ID: "ro-1", Role: auth.RoleRO, Active: true}
	ad    = auth.Principal{ID: "ad-1", Role: auth.RoleAD, Active: true}
	dd    = auth.Principal{ID: "dd-1", Role: auth.RoleDD, Active: true}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a fresh workspace whose clock starts at 2024-01-01 and moves
// one minute per reading, so every write gets a distinct timestamp.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	eng := engine.New(conn, config.Default())
	eng.Metrics = metrics.New(prometheus.NewRegistry())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// stages appends one top-level stage per name to scope.
func (env testEnv) stages(t *testing.T, scope string, names ...string) []domain.Stage {
	t.Helper()
	out := make([]domain.Stage, 0, len(names))
	for _, n := range names {
		st, err := env.Engine.InsertStage(env.Ctx, admin, scope, engine.StageInput{Name: n})
		require.NoError(t, err, "insert stage %s", n)
		out = append(out, st)
	}
	return out
}

func (env testEnv) register(t *testing.T, in engine.EntityInput) domain.Entity {
	t.Helper()
	ent, err := env.Engine.RegisterEntity(env.Ctx, admin, in)
	require.NoError(t, err, "register %s", in.Kind)
	return ent
}

func (env testEnv) village(t *testing.T, id string) domain.Entity {
	t.Helper()
	return env.register(t, engine.EntityInput{Kind: domain.KindVillage, ID: id, Name: "Village " + id})
}

// insert records evidence for stageID on behalf of the forest guard.
func (env testEnv) insert(t *testing.T, kind domain.EntityKind, entityID, stageID string) domain.Verification {
	t.Helper()
	v, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: kind, EntityID: entityID, StageID: stageID, Notes: "site visit",
	})
	require.NoError(t, err, "insert verification for %s", stageID)
	return v
}

func (env testEnv) activeOrder(t *testing.T, scope string) ([]string, []int) {
	t.Helper()
	stages, err := env.Engine.ListStages(env.Ctx, scope, false)
	require.NoError(t, err)
	ids := make([]string, 0, len(stages))
	positions := make([]int, 0, len(stages))
	for _, st := range stages {
		ids = append(ids, st.ID)
		positions = append(positions, st.Position)
	}
	return ids, positions
}

func requireErrorAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	require.Error(t, err)
	require.Truef(t, errors.As(err, &target), "expected %T, got %T: %v", target, err, err)
	return target
}
