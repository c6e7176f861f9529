package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"relocation/internal/domain"
)

const entityColumns = `kind,id,village_id,COALESCE(name,''),COALESCE(type_id,''),COALESCE(option_id,''),COALESCE(parent_id,''),COALESCE(plot_id,''),scope,current_stage,created_at,updated_at`

func scanEntity(scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var kind string
	var current sql.NullString
	if err := scan(&kind, &e.ID, &e.VillageID, &e.Name, &e.TypeID, &e.OptionID, &e.ParentID, &e.PlotID, &e.Scope, &current, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.Kind = domain.EntityKind(kind)
	e.CurrentStage = stringPtr(current)
	return e, nil
}

func (r Repo) InsertEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entities(kind,id,village_id,name,type_id,option_id,parent_id,plot_id,scope,current_stage,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(e.Kind), e.ID, e.VillageID, nullable(e.Name), nullable(e.TypeID), nullable(e.OptionID), nullable(e.ParentID), nullable(e.PlotID),
		e.Scope, nullableStringPtr(e.CurrentStage), e.CreatedAt, e.UpdatedAt)
	return err
}

// GetEntity loads an entity with its completed stage set.
func (r Repo) GetEntity(ctx context.Context, kind domain.EntityKind, id string) (domain.Entity, error) {
	return getEntity(ctx, r.DB, kind, id)
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, id string) (domain.Entity, error) {
	return getEntity(ctx, tx, kind, id)
}

func getEntity(ctx context.Context, q queryer, kind domain.EntityKind, id string) (domain.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind=? AND id=?`, string(kind), id)
	e, err := scanEntity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	completed, err := completedStages(ctx, q, kind, id)
	if err != nil {
		return e, err
	}
	e.StagesCompleted = completed
	return e, nil
}

type EntityFilters struct {
	Kind      domain.EntityKind
	VillageID string
	ParentID  string
	Limit     int
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.VillageID != "" {
		clauses = append(clauses, "village_id=?")
		args = append(args, f.VillageID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE %s ORDER BY kind, created_at, id`, entityColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		completed, err := completedStages(ctx, r.DB, res[i].Kind, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].StagesCompleted = completed
	}
	return res, nil
}

// MissingEntitiesTx returns the ids from ids that have no entity of kind.
func (r Repo) MissingEntitiesTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{string(kind)}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM entities WHERE kind=? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r Repo) SetFamilyPlotTx(ctx context.Context, tx *sql.Tx, familyID, plotID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE entities SET plot_id=?, updated_at=? WHERE kind=? AND id=?`, plotID, now, string(domain.KindFamily), familyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentStageTx sets or clears (nil) the entity's current stage.
func (r Repo) SetCurrentStageTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, id string, stageID *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE entities SET current_stage=?, updated_at=? WHERE kind=? AND id=?`, nullableStringPtr(stageID), now, string(kind), id)
	return err
}

// AddCompletedStageTx is idempotent: completing a stage twice keeps one row.
func (r Repo) AddCompletedStageTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, id, stageID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entity_stages_completed(kind,entity_id,stage_id,completed_at) VALUES (?,?,?,?)`, string(kind), id, stageID, now)
	return err
}

func (r Repo) RemoveCompletedStageTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, id, stageID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM entity_stages_completed WHERE kind=? AND entity_id=? AND stage_id=?`, string(kind), id, stageID)
	return err
}

func completedStages(ctx context.Context, q queryer, kind domain.EntityKind, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT stage_id FROM entity_stages_completed WHERE kind=? AND entity_id=? ORDER BY completed_at, stage_id`, string(kind), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
