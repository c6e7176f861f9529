package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"relocation/internal/domain"
)

const verificationColumns = `id,entity_kind,entity_id,village_id,stage_id,sub_stage_id,COALESCE(name,''),notes,documents_json,status,inserted_by,inserted_at,verified_by,verified_at,deleted,deleted_by,deleted_at`

func scanVerification(scan func(dest ...any) error) (domain.Verification, error) {
	var v domain.Verification
	var kind, docs string
	var sub, deletedBy, deletedAt sql.NullString
	var deleted int
	if err := scan(&v.ID, &kind, &v.EntityID, &v.VillageID, &v.StageID, &sub, &v.Name, &v.Notes, &docs, &v.Status,
		&v.InsertedBy, &v.InsertedAt, &v.VerifiedBy, &v.VerifiedAt, &deleted, &deletedBy, &deletedAt); err != nil {
		return v, err
	}
	v.EntityKind = domain.EntityKind(kind)
	v.SubStageID = stringPtr(sub)
	v.Deleted = deleted == 1
	v.DeletedBy = stringPtr(deletedBy)
	v.DeletedAt = stringPtr(deletedAt)
	v.Documents = []string{}
	if docs != "" {
		if err := json.Unmarshal([]byte(docs), &v.Documents); err != nil {
			return v, fmt.Errorf("decode documents for %s: %w", v.ID, err)
		}
	}
	return v, nil
}

func marshalDocuments(docs []string) (string, error) {
	if docs == nil {
		docs = []string{}
	}
	b, err := json.Marshal(docs)
	return string(b), err
}

func (r Repo) InsertVerificationTx(ctx context.Context, tx *sql.Tx, v domain.Verification) error {
	docs, err := marshalDocuments(v.Documents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verifications(id,entity_kind,entity_id,village_id,stage_id,sub_stage_id,target_stage_id,name,notes,documents_json,status,inserted_by,inserted_at,verified_by,verified_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, string(v.EntityKind), v.EntityID, v.VillageID, v.StageID, nullableStringPtr(v.SubStageID), v.Target(), nullable(v.Name), v.Notes, docs,
		v.Status, v.InsertedBy, v.InsertedAt, v.VerifiedBy, v.VerifiedAt)
	return err
}

// GetVerification loads a record (deleted or not) with its status history.
func (r Repo) GetVerification(ctx context.Context, id string) (domain.Verification, error) {
	return getVerification(ctx, r.DB, id)
}

func (r Repo) GetVerificationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Verification, error) {
	return getVerification(ctx, tx, id)
}

func getVerification(ctx context.Context, q queryer, id string) (domain.Verification, error) {
	row := q.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE id=?`, id)
	v, err := scanVerification(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	hist, err := statusHistory(ctx, q, id)
	if err != nil {
		return v, err
	}
	v.StatusHistory = hist
	return v, nil
}

// VerificationPatch carries the mutable fields; nil leaves a field untouched.
type VerificationPatch struct {
	Name      *string
	Notes     *string
	Documents *[]string
}

func (r Repo) UpdateVerificationFieldsTx(ctx context.Context, tx *sql.Tx, id string, p VerificationPatch, verifier, now string) error {
	sets := []string{"verified_by=?", "verified_at=?"}
	args := []any{verifier, now}
	if p.Name != nil {
		sets = append(sets, "name=?")
		args = append(args, nullable(*p.Name))
	}
	if p.Notes != nil {
		sets = append(sets, "notes=?")
		args = append(args, *p.Notes)
	}
	if p.Documents != nil {
		docs, err := marshalDocuments(*p.Documents)
		if err != nil {
			return err
		}
		sets = append(sets, "documents_json=?")
		args = append(args, docs)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE verifications SET %s WHERE id=? AND deleted=0`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateVerificationStatusTx(ctx context.Context, tx *sql.Tx, id string, status int, verifier, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE verifications SET status=?, verified_by=?, verified_at=? WHERE id=? AND deleted=0`, status, verifier, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkVerificationDeletedTx(ctx context.Context, tx *sql.Tx, id, actor, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE verifications SET deleted=1, deleted_by=?, deleted_at=? WHERE id=? AND deleted=0`, actor, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveForTargetTx counts non-deleted records advancing the entity to stageID.
func (r Repo) CountActiveForTargetTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, entityID, stageID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM verifications WHERE entity_kind=? AND entity_id=? AND target_stage_id=? AND deleted=0`,
		string(kind), entityID, stageID).Scan(&n)
	return n, err
}

// LatestActiveTargetTx returns the target stage of the most recently verified
// non-deleted record of the entity, nil when none remain. Ties on verified_at
// fall back to insertion order.
func (r Repo) LatestActiveTargetTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, entityID string) (*string, error) {
	var target string
	err := tx.QueryRowContext(ctx, `SELECT target_stage_id FROM verifications WHERE entity_kind=? AND entity_id=? AND deleted=0 ORDER BY verified_at DESC, rowid DESC LIMIT 1`,
		string(kind), entityID).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &target, nil
}

func (r Repo) AppendStatusHistoryTx(ctx context.Context, tx *sql.Tx, verificationID string, h domain.StatusHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_history(verification_id,status,comments,verifier,ts) VALUES (?,?,?,?,?)`,
		verificationID, h.Status, h.Comments, h.Verifier, h.Time)
	return err
}

func statusHistory(ctx context.Context, q queryer, verificationID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT status,comments,verifier,ts FROM status_history WHERE verification_id=? ORDER BY id ASC`, verificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StatusHistoryEntry{}
	for rows.Next() {
		var h domain.StatusHistoryEntry
		if err := rows.Scan(&h.Status, &h.Comments, &h.Verifier, &h.Time); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

type VerificationFilters struct {
	EntityKind     domain.EntityKind
	EntityID       string
	VillageID      string
	StageID        string
	Status         *int
	NameContains   string
	InsertedFrom   string
	InsertedBefore string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f VerificationFilters) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, string(f.EntityKind))
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.VillageID != "" {
		clauses = append(clauses, "village_id=?")
		args = append(args, f.VillageID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "(stage_id=? OR target_stage_id=?)")
		args = append(args, f.StageID, f.StageID)
	}
	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, *f.Status)
	}
	if f.NameContains != "" {
		clauses = append(clauses, "LOWER(COALESCE(name,'')) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.NameContains)+"%")
	}
	if f.InsertedFrom != "" {
		clauses = append(clauses, "inserted_at>=?")
		args = append(args, f.InsertedFrom)
	}
	if f.InsertedBefore != "" {
		clauses = append(clauses, "inserted_at<?")
		args = append(args, f.InsertedBefore)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted=0")
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListVerifications returns one page ordered by inserted_at descending plus the total match count.
func (r Repo) ListVerifications(ctx context.Context, f VerificationFilters) ([]domain.Verification, int, error) {
	where, args := f.where()
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM verifications `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + verificationColumns + ` FROM verifications ` + where + ` ORDER BY inserted_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	var res []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		res = append(res, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range res {
		hist, err := statusHistory(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, 0, err
		}
		res[i].StatusHistory = hist
	}
	return res, total, nil
}
