package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relocation/internal/domain"
	"relocation/internal/engine/auth"
	"relocation/internal/events"
	"relocation/internal/repo"
)

// VerificationInput is a new piece of evidence that an entity reached a stage.
// UserID, when set, must match the caller.
type VerificationInput struct {
	EntityKind domain.EntityKind
	EntityID   string
	StageID    string
	SubStageID string
	Name       string
	Notes      string
	Documents  []string
	UserID     string
}

// VerificationPatch edits the mutable fields of a record. Nil fields are left as they are.
type VerificationPatch struct {
	Name      *string
	Notes     *string
	Documents *[]string
	UserID    string
}

func (p VerificationPatch) empty() bool {
	return p.Name == nil && p.Notes == nil && p.Documents == nil
}

// validateDocuments accepts http(s) URLs and s3://bucket/key references.
func validateDocuments(docs []string) error {
	for i, d := range docs {
		u, err := url.Parse(strings.TrimSpace(d))
		ok := err == nil && u.Host != ""
		switch {
		case !ok:
		case u.Scheme == "http" || u.Scheme == "https":
		case u.Scheme == "s3":
			ok = strings.Trim(u.Path, "/") != ""
		default:
			ok = false
		}
		if !ok {
			return invalid(fmt.Sprintf("documents[%d]", i), "must be an http(s) URL or s3://bucket/key")
		}
	}
	return nil
}

// InsertVerification records evidence for the target stage after checking that
// every earlier stage of the entity's scope is already completed. The target
// becomes the entity's current stage.
func (e Engine) InsertVerification(ctx context.Context, p auth.Principal, in VerificationInput) (v domain.Verification, err error) {
	defer e.track("verification.insert", string(in.EntityKind))(&err)
	if err := e.Auth.Authorize(p, auth.ActionSelfService, in.UserID); err != nil {
		return domain.Verification{}, err
	}
	fields := map[string]string{}
	if !in.EntityKind.Valid() {
		fields["entityType"] = fmt.Sprintf("unknown entity type %q", in.EntityKind)
	}
	if strings.TrimSpace(in.EntityID) == "" {
		fields["entityId"] = "entity id is required"
	}
	if strings.TrimSpace(in.StageID) == "" {
		fields["stageId"] = "stage id is required"
	}
	if len(fields) > 0 {
		return domain.Verification{}, ValidationError{Fields: fields}
	}
	if err := validateDocuments(in.Documents); err != nil {
		return domain.Verification{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Verification{}, err
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, in.EntityKind, in.EntityID)
	if err != nil {
		return domain.Verification{}, notFound(err, string(in.EntityKind), in.EntityID)
	}
	target, err := e.resolveTargetTx(ctx, tx, ent, in.StageID, in.SubStageID)
	if err != nil {
		return domain.Verification{}, err
	}
	ladder, err := e.ladderTx(ctx, tx, ent.Scope)
	if err != nil {
		return domain.Verification{}, err
	}
	idx := -1
	for i, step := range ladder {
		if step.ID == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		reason := "not an active stage of this scope"
		if in.SubStageID == "" {
			reason = "stage has sub-stages; subStageId is required"
		}
		return domain.Verification{}, InvalidStageError{StageID: target, Scope: ent.Scope, Reason: reason}
	}
	completed := make(map[string]bool, len(ent.StagesCompleted))
	for _, id := range ent.StagesCompleted {
		completed[id] = true
	}
	var missing []string
	for _, step := range ladder[:idx] {
		if !completed[step.ID] {
			missing = append(missing, step.Name)
		}
	}
	if len(missing) > 0 {
		return domain.Verification{}, MissingPrerequisiteError{StageID: target, Missing: missing}
	}

	prefix := domain.VerificationIDPrefix(ent)
	id, err := e.nextIDTx(ctx, tx, prefix, prefix)
	if err != nil {
		return domain.Verification{}, err
	}
	now := e.stamp()
	v = domain.Verification{
		ID:         id,
		EntityKind: ent.Kind,
		EntityID:   ent.ID,
		VillageID:  ent.VillageID,
		StageID:    in.StageID,
		Name:       strings.TrimSpace(in.Name),
		Notes:      in.Notes,
		Documents:  in.Documents,
		Status:     domain.StatusMin,
		InsertedBy: p.ID,
		InsertedAt: now,
		VerifiedBy: p.ID,
		VerifiedAt: now,
	}
	if in.SubStageID != "" {
		sub := in.SubStageID
		v.SubStageID = &sub
	}
	if v.Documents == nil {
		v.Documents = []string{}
	}
	if err := e.Repo.InsertVerificationTx(ctx, tx, v); err != nil {
		return domain.Verification{}, fmt.Errorf("insert verification: %w", err)
	}
	entry := domain.StatusHistoryEntry{Status: v.Status, Comments: "created", Verifier: p.ID, Time: now}
	if err := e.Repo.AppendStatusHistoryTx(ctx, tx, v.ID, entry); err != nil {
		return domain.Verification{}, err
	}
	v.StatusHistory = []domain.StatusHistoryEntry{entry}
	if err := e.Repo.AddCompletedStageTx(ctx, tx, ent.Kind, ent.ID, target, now); err != nil {
		return domain.Verification{}, err
	}
	if err := e.Repo.SetCurrentStageTx(ctx, tx, ent.Kind, ent.ID, &target, now); err != nil {
		return domain.Verification{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       events.VerificationInsert,
		VillageID:  ent.VillageID,
		EntityKind: string(ent.Kind),
		EntityID:   ent.ID,
		ActorID:    p.ID,
		RelatedID:  v.ID,
		Payload:    events.EventPayload{"stageId": target, "status": v.Status},
	}); err != nil {
		return domain.Verification{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Verification{}, err
	}
	e.Metrics.IncrementStatus(string(v.EntityKind), strconv.Itoa(v.Status))
	return v, nil
}

// resolveTargetTx checks stageID is an active top-level stage of the entity's
// scope and, when given, that subStageID is an active child of it. It returns
// the id the record advances the entity to.
func (e Engine) resolveTargetTx(ctx context.Context, tx *sql.Tx, ent domain.Entity, stageID, subStageID string) (string, error) {
	st, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", InvalidStageError{StageID: stageID, Scope: ent.Scope, Reason: "unknown stage"}
		}
		return "", err
	}
	if st.Deleted || st.Scope != ent.Scope || st.ParentID != nil {
		return "", InvalidStageError{StageID: stageID, Scope: ent.Scope, Reason: "not an active stage of this scope"}
	}
	if subStageID == "" {
		return st.ID, nil
	}
	sub, err := e.Repo.GetStageTx(ctx, tx, subStageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", InvalidStageError{StageID: subStageID, Scope: ent.Scope, Reason: "unknown sub-stage"}
		}
		return "", err
	}
	if sub.Deleted || parentKey(sub) != st.ID {
		return "", InvalidStageError{StageID: subStageID, Scope: ent.Scope, Reason: "not an active sub-stage of " + st.ID}
	}
	return sub.ID, nil
}

// loadActiveTx returns a non-deleted record of the given kind.
func (e Engine) loadActiveTx(ctx context.Context, tx *sql.Tx, kind domain.EntityKind, id string) (domain.Verification, error) {
	v, err := e.Repo.GetVerificationTx(ctx, tx, id)
	if err != nil {
		return domain.Verification{}, notFound(err, "verification", id)
	}
	if v.Deleted || (kind != "" && v.EntityKind != kind) {
		return domain.Verification{}, NotFoundError{Kind: "verification", IDs: []string{id}}
	}
	return v, nil
}

// EditVerification patches name, notes or documents while the record is below
// the edit freeze. The stage never changes.
func (e Engine) EditVerification(ctx context.Context, p auth.Principal, kind domain.EntityKind, id string, patch VerificationPatch) (v domain.Verification, err error) {
	defer e.track("verification.edit", string(kind))(&err)
	if err := e.Auth.Authorize(p, auth.ActionSelfService, patch.UserID); err != nil {
		return domain.Verification{}, err
	}
	if patch.empty() {
		return domain.Verification{}, invalid("body", "no valid fields to update")
	}
	if patch.Documents != nil {
		if err := validateDocuments(*patch.Documents); err != nil {
			return domain.Verification{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Verification{}, err
	}
	defer tx.Rollback()

	v, err = e.loadActiveTx(ctx, tx, kind, id)
	if err != nil {
		return domain.Verification{}, err
	}
	if v.Status >= domain.EditFreezeStatus {
		return domain.Verification{}, FrozenError{Op: "edit", Status: v.Status, Threshold: domain.EditFreezeStatus}
	}
	now := e.stamp()
	if err := e.Repo.UpdateVerificationFieldsTx(ctx, tx, v.ID, repo.VerificationPatch{
		Name:      patch.Name,
		Notes:     patch.Notes,
		Documents: patch.Documents,
	}, p.ID, now); err != nil {
		return domain.Verification{}, notFound(err, "verification", v.ID)
	}
	comments := "updated"
	if patch.Notes != nil && strings.TrimSpace(*patch.Notes) != "" {
		comments = *patch.Notes
	}
	if err := e.Repo.AppendStatusHistoryTx(ctx, tx, v.ID, domain.StatusHistoryEntry{
		Status: v.Status, Comments: comments, Verifier: p.ID, Time: now,
	}); err != nil {
		return domain.Verification{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       events.VerificationEdit,
		VillageID:  v.VillageID,
		EntityKind: string(v.EntityKind),
		EntityID:   v.EntityID,
		ActorID:    p.ID,
		RelatedID:  v.ID,
		Comments:   comments,
	}); err != nil {
		return domain.Verification{}, err
	}
	v, err = e.Repo.GetVerificationTx(ctx, tx, v.ID)
	if err != nil {
		return domain.Verification{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Verification{}, err
	}
	return v, nil
}

// VerifyVerification moves a record one step up (+1) or back (-1) the approval
// chain. Only the role responsible for the record's current status may act.
func (e Engine) VerifyVerification(ctx context.Context, p auth.Principal, kind domain.EntityKind, id string, delta int, comments string) (v domain.Verification, err error) {
	defer e.track("verification.verify", string(kind))(&err)
	if err := e.Auth.Authorize(p, auth.ActionApprove, ""); err != nil {
		return domain.Verification{}, err
	}
	fields := map[string]string{}
	if delta != 1 && delta != -1 {
		fields["status"] = "must be 1 or -1"
	}
	if strings.TrimSpace(comments) == "" {
		fields["comments"] = "comments are required"
	}
	if len(fields) > 0 {
		return domain.Verification{}, ValidationError{Fields: fields}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Verification{}, err
	}
	defer tx.Rollback()

	v, err = e.loadActiveTx(ctx, tx, kind, id)
	if err != nil {
		return domain.Verification{}, err
	}
	if err := e.Auth.AuthorizeApproval(p, v.Status); err != nil {
		return domain.Verification{}, err
	}
	from := v.Status
	status := domain.ClampStatus(v.Status + delta)
	now := e.stamp()
	if err := e.Repo.UpdateVerificationStatusTx(ctx, tx, v.ID, status, p.ID, now); err != nil {
		return domain.Verification{}, notFound(err, "verification", v.ID)
	}
	if err := e.Repo.AppendStatusHistoryTx(ctx, tx, v.ID, domain.StatusHistoryEntry{
		Status: status, Comments: comments, Verifier: p.ID, Time: now,
	}); err != nil {
		return domain.Verification{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       events.VerificationVerify,
		VillageID:  v.VillageID,
		EntityKind: string(v.EntityKind),
		EntityID:   v.EntityID,
		ActorID:    p.ID,
		RelatedID:  v.ID,
		Comments:   comments,
		Payload:    events.EventPayload{"from": from, "to": status, "role": string(p.Role)},
	}); err != nil {
		return domain.Verification{}, err
	}
	v, err = e.Repo.GetVerificationTx(ctx, tx, v.ID)
	if err != nil {
		return domain.Verification{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Verification{}, err
	}
	e.Metrics.IncrementStatus(string(v.EntityKind), strconv.Itoa(status))
	return v, nil
}

// DeleteVerification soft-deletes a record below the delete freeze. The stage
// leaves stagesCompleted only when no other active record targets it, and the
// current stage becomes the target of the most recently verified remaining
// record.
func (e Engine) DeleteVerification(ctx context.Context, p auth.Principal, kind domain.EntityKind, id, userID string) (err error) {
	defer e.track("verification.delete", string(kind))(&err)
	if err := e.Auth.Authorize(p, auth.ActionSelfService, userID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v, err := e.loadActiveTx(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	if v.Status >= domain.DeleteFreezeStatus {
		return FrozenError{Op: "delete", Status: v.Status, Threshold: domain.DeleteFreezeStatus}
	}
	target := v.Target()
	siblings, err := e.Repo.CountActiveForTargetTx(ctx, tx, v.EntityKind, v.EntityID, target)
	if err != nil {
		return err
	}
	now := e.stamp()
	if err := e.Repo.MarkVerificationDeletedTx(ctx, tx, v.ID, p.ID, now); err != nil {
		return notFound(err, "verification", v.ID)
	}
	if siblings <= 1 {
		if err := e.Repo.RemoveCompletedStageTx(ctx, tx, v.EntityKind, v.EntityID, target); err != nil {
			return err
		}
	}
	current, err := e.Repo.LatestActiveTargetTx(ctx, tx, v.EntityKind, v.EntityID)
	if err != nil {
		return err
	}
	if err := e.Repo.SetCurrentStageTx(ctx, tx, v.EntityKind, v.EntityID, current, now); err != nil {
		return err
	}
	payload := events.EventPayload{"stageId": target, "stageRemoved": siblings <= 1}
	if current != nil {
		payload["currentStage"] = *current
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       events.VerificationDelete,
		VillageID:  v.VillageID,
		EntityKind: string(v.EntityKind),
		EntityID:   v.EntityID,
		ActorID:    p.ID,
		RelatedID:  v.ID,
		Payload:    payload,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetVerification returns an active record; kind "" matches any entity type.
func (e Engine) GetVerification(ctx context.Context, kind domain.EntityKind, id string) (domain.Verification, error) {
	v, err := e.Repo.GetVerification(ctx, id)
	if err != nil {
		return domain.Verification{}, notFound(err, "verification", id)
	}
	if v.Deleted || (kind != "" && v.EntityKind != kind) {
		return domain.Verification{}, NotFoundError{Kind: "verification", IDs: []string{id}}
	}
	return v, nil
}

// VerificationQuery filters the ledger. FromDate and ToDate are inclusive
// calendar days (YYYY-MM-DD, UTC). Page starts at 1.
type VerificationQuery struct {
	EntityKind domain.EntityKind
	EntityID   string
	VillageID  string
	StageID    string
	Status     *int
	Name       string
	FromDate   string
	ToDate     string
	Page       int
	Limit      int
}

type VerificationPage struct {
	Items []domain.Verification `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

const maxPageLimit = 200

// ListVerifications returns active records newest first.
func (e Engine) ListVerifications(ctx context.Context, q VerificationQuery) (VerificationPage, error) {
	fields := map[string]string{}
	if q.EntityKind != "" && !q.EntityKind.Valid() {
		fields["entityType"] = fmt.Sprintf("unknown entity type %q", q.EntityKind)
	}
	if q.Status != nil && (*q.Status < domain.StatusMin || *q.Status > domain.StatusMax) {
		fields["status"] = "must be between 1 and 4"
	}
	f := repo.VerificationFilters{
		EntityKind:   q.EntityKind,
		EntityID:     q.EntityID,
		VillageID:    q.VillageID,
		StageID:      q.StageID,
		Status:       q.Status,
		NameContains: strings.TrimSpace(q.Name),
	}
	if q.FromDate != "" {
		from, err := time.Parse(time.DateOnly, q.FromDate)
		if err != nil {
			fields["fromDate"] = "must be YYYY-MM-DD"
		} else {
			f.InsertedFrom = from.UTC().Format(domain.TimeLayout)
		}
	}
	if q.ToDate != "" {
		to, err := time.Parse(time.DateOnly, q.ToDate)
		if err != nil {
			fields["toDate"] = "must be YYYY-MM-DD"
		} else {
			f.InsertedBefore = to.AddDate(0, 0, 1).UTC().Format(domain.TimeLayout)
		}
	}
	if len(fields) > 0 {
		return VerificationPage{}, ValidationError{Fields: fields}
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.Config.PageSize()
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	f.Limit = limit
	f.Offset = (page - 1) * limit
	items, total, err := e.Repo.ListVerifications(ctx, f)
	if err != nil {
		return VerificationPage{}, err
	}
	if items == nil {
		items = []domain.Verification{}
	}
	return VerificationPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}
