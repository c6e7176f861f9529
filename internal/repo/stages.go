package repo

import (
	"context"
	"database/sql"
	"errors"

	"relocation/internal/domain"
)

const stageColumns = `id,scope,parent_id,name,COALESCE(description,''),deleted,position,created_at,updated_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var st domain.Stage
	var parent sql.NullString
	var deleted int
	if err := scan(&st.ID, &st.Scope, &parent, &st.Name, &st.Description, &deleted, &st.Position, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, err
	}
	st.ParentID = stringPtr(parent)
	st.Deleted = deleted == 1
	return st, nil
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return getStage(ctx, r.DB, id)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	return getStage(ctx, tx, id)
}

func getStage(ctx context.Context, q queryer, id string) (domain.Stage, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	st, err := scanStage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	return st, err
}

// ListStages returns the siblings under parentID ("" for top level) in scope.
// Non-deleted stages come first in position order, soft-deleted ones after.
func (r Repo) ListStages(ctx context.Context, scope, parentID string, includeDeleted bool) ([]domain.Stage, error) {
	return listStages(ctx, r.DB, scope, parentID, includeDeleted)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, scope, parentID string, includeDeleted bool) ([]domain.Stage, error) {
	return listStages(ctx, tx, scope, parentID, includeDeleted)
}

func listStages(ctx context.Context, q queryer, scope, parentID string, includeDeleted bool) ([]domain.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE scope=? AND parent_id IS ?`
	if !includeDeleted {
		query += ` AND deleted=0`
	}
	query += ` ORDER BY deleted ASC, position ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, scope, nullable(parentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		st, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// ListSubStagesOf returns the non-deleted children of every parent in one query,
// keyed by parent id and ordered by position.
func (r Repo) ListSubStagesOf(ctx context.Context, parentIDs []string, includeDeleted bool) (map[string][]domain.Stage, error) {
	return listSubStagesOf(ctx, r.DB, parentIDs, includeDeleted)
}

func (r Repo) ListSubStagesOfTx(ctx context.Context, tx *sql.Tx, parentIDs []string, includeDeleted bool) (map[string][]domain.Stage, error) {
	return listSubStagesOf(ctx, tx, parentIDs, includeDeleted)
}

func listSubStagesOf(ctx context.Context, q queryer, parentIDs []string, includeDeleted bool) (map[string][]domain.Stage, error) {
	out := map[string][]domain.Stage{}
	if len(parentIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + stageColumns + ` FROM stages WHERE parent_id IN (` + placeholders(len(parentIDs)) + `)`
	if !includeDeleted {
		query += ` AND deleted=0`
	}
	query += ` ORDER BY deleted ASC, position ASC, id ASC`
	args := make([]any, 0, len(parentIDs))
	for _, id := range parentIDs {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[*st.ParentID] = append(out[*st.ParentID], st)
	}
	return out, rows.Err()
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, st domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,scope,parent_id,name,description,deleted,position,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		st.ID, st.Scope, nullableStringPtr(st.ParentID), st.Name, nullable(st.Description), boolInt(st.Deleted), st.Position, st.CreatedAt, st.UpdatedAt)
	return err
}

// UpdateStageFieldsTx patches name and/or description; nil leaves a field untouched.
func (r Repo) UpdateStageFieldsTx(ctx context.Context, tx *sql.Tx, id string, name, description *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET name=COALESCE(?,name), description=CASE WHEN ? THEN ? ELSE description END, updated_at=? WHERE id=?`,
		nullableStringPtr(name), boolInt(description != nil), nullableStringPtr(description), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStagePositionsTx writes the given positions; ids absent from the map keep theirs.
func (r Repo) SetStagePositionsTx(ctx context.Context, tx *sql.Tx, positions map[string]int, now string) error {
	if len(positions) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE stages SET position=?, updated_at=? WHERE id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, pos := range positions {
		if _, err := stmt.ExecContext(ctx, pos, now, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkStageDeletedTx flags the stage deleted; its position column keeps the last value.
func (r Repo) MarkStageDeletedTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET deleted=1, updated_at=? WHERE id=? AND deleted=0`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivePositionsTx returns the stored positions of non-deleted siblings.
func (r Repo) ActivePositionsTx(ctx context.Context, tx *sql.Tx, scope, parentID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, position FROM stages WHERE scope=? AND parent_id IS ? AND deleted=0`, scope, nullable(parentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var pos int
		if err := rows.Scan(&id, &pos); err != nil {
			return nil, err
		}
		out[id] = pos
	}
	return out, rows.Err()
}
