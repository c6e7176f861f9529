package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"relocation/internal/config"
	"relocation/internal/db"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
	"relocation/internal/migrate"
)

// SystemPrincipal acts for workspace bootstrap tasks such as seeding stages.
var SystemPrincipal = auth.Principal{ID: "system", Role: auth.RoleAdmin, Active: true, Source: "bootstrap"}

// Workspace is an opened, migrated workspace database plus its config.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
}

// OpenWorkspace opens the workspace database, applies pending migrations and
// loads relocation.yml, falling back to the defaults when the file is absent.
func OpenWorkspace(ctx context.Context, workspace string) (Workspace, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return Workspace{}, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return Workspace{}, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return Workspace{}, fmt.Errorf("migrate: %w", err)
	}
	return Workspace{DB: conn, Config: cfg}, nil
}

// SeedStages writes the configured stage templates into every scope that has no
// stages yet and returns how many top-level stages were created. Scopes that
// already hold stages are left alone so re-running init is harmless.
func SeedStages(ctx context.Context, eng engine.Engine, seed map[string][]config.SeedStage) (int, error) {
	keys := make([]string, 0, len(seed))
	for k := range seed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	created := 0
	for _, key := range keys {
		existing, err := eng.ListStages(ctx, key, true)
		if err != nil {
			return created, err
		}
		if len(existing) > 0 {
			continue
		}
		for _, st := range seed[key] {
			if _, err := eng.InsertStage(ctx, SystemPrincipal, key, stageInput(st)); err != nil {
				return created, fmt.Errorf("seed %s/%s: %w", key, st.Name, err)
			}
			created++
		}
	}
	return created, nil
}

func stageInput(st config.SeedStage) engine.StageInput {
	in := engine.StageInput{Name: st.Name, Description: st.Description}
	for _, sub := range st.SubStages {
		in.SubStages = append(in.SubStages, engine.StageInput{Name: sub.Name, Description: sub.Description})
	}
	return in
}
