package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"relocation/internal/domain"
	"relocation/internal/engine/auth"
	"relocation/internal/events"
	"relocation/internal/ordered"
	"relocation/internal/repo"
)

// StageInput describes a stage to create. Position nil appends. SubStages are
// created under the new stage in the given order.
type StageInput struct {
	Name        string
	Description string
	Position    *int
	SubStages   []StageInput
}

// StagePatch updates a stage. Nil fields are left as they are. A non-empty
// SubStages is rejected; sub-stages have their own operations.
type StagePatch struct {
	Name        *string
	Description *string
	Position    *int
	SubStages   []StageInput
}

func (p StagePatch) empty() bool {
	return p.Name == nil && p.Description == nil && p.Position == nil
}

func parseScope(key string) (domain.Scope, error) {
	s, err := domain.ParseScope(key)
	if err != nil {
		return s, invalid("scope", err.Error())
	}
	return s, nil
}

func parentKey(st domain.Stage) string {
	if st.ParentID == nil {
		return ""
	}
	return *st.ParentID
}

// InsertStage adds a top-level stage to scope. Active siblings at or after the
// requested position shift down by one.
func (e Engine) InsertStage(ctx context.Context, p auth.Principal, scopeKey string, in StageInput) (st domain.Stage, err error) {
	defer e.track("stage.insert", "stage")(&err)
	if err := e.Auth.Authorize(p, auth.ActionManage, ""); err != nil {
		return domain.Stage{}, err
	}
	scope, err := parseScope(scopeKey)
	if err != nil {
		return domain.Stage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	st, err = e.insertStageTx(ctx, tx, scope, nil, in, p.ID)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return st, nil
}

// InsertSubStage adds a sub-stage under an active top-level stage.
func (e Engine) InsertSubStage(ctx context.Context, p auth.Principal, parentID string, in StageInput) (st domain.Stage, err error) {
	defer e.track("substage.insert", "stage")(&err)
	if err := e.Auth.Authorize(p, auth.ActionManage, ""); err != nil {
		return domain.Stage{}, err
	}
	if len(in.SubStages) > 0 {
		return domain.Stage{}, invalid("subStages", "sub-stages cannot be nested")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	parent, err := e.activeStageTx(ctx, tx, parentID)
	if err != nil {
		return domain.Stage{}, err
	}
	if parent.ParentID != nil {
		return domain.Stage{}, invalid("stageId", "sub-stages cannot be nested")
	}
	scope, err := parseScope(parent.Scope)
	if err != nil {
		return domain.Stage{}, err
	}
	st, err = e.insertStageTx(ctx, tx, scope, &parent, in, p.ID)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return st, nil
}

func (e Engine) insertStageTx(ctx context.Context, tx *sql.Tx, scope domain.Scope, parent *domain.Stage, in StageInput, actorID string) (domain.Stage, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Stage{}, invalid("name", "name is required")
	}
	if parent != nil && len(in.SubStages) > 0 {
		return domain.Stage{}, invalid("subStages", "sub-stages cannot be nested")
	}
	counter, prefix, parentID := "stage:"+scope.String(), scope.StageIDPrefix(), ""
	eventType := events.StageInsert
	if parent != nil {
		counter, prefix, parentID = "sub:"+parent.ID, parent.ID, parent.ID
		eventType = events.SubStageInsert
	}
	prev, err := e.Repo.ActivePositionsTx(ctx, tx, scope.String(), parentID)
	if err != nil {
		return domain.Stage{}, err
	}
	list := ordered.FromPositions(prev)
	at := len(list)
	if in.Position != nil {
		at = *in.Position
	}
	if at < 0 || at > len(list) {
		return domain.Stage{}, InvalidPositionError{Position: at, Max: len(list)}
	}
	id, err := e.freeStageIDTx(ctx, tx, counter, prefix)
	if err != nil {
		return domain.Stage{}, err
	}
	next, err := list.Insert(id, at)
	if err != nil {
		return domain.Stage{}, positionError(err)
	}
	now := e.stamp()
	st := domain.Stage{
		ID:          id,
		Scope:       scope.String(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Position:    at,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parent != nil {
		st.ParentID = &parent.ID
	}
	if err := e.Repo.InsertStageTx(ctx, tx, st); err != nil {
		return domain.Stage{}, fmt.Errorf("insert stage: %w", err)
	}
	shifted := ordered.Changed(prev, next)
	delete(shifted, id)
	if err := e.Repo.SetStagePositionsTx(ctx, tx, shifted, now); err != nil {
		return domain.Stage{}, err
	}
	if err := e.checkOrderTx(ctx, tx, scope.String(), parentID); err != nil {
		return domain.Stage{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       eventType,
		VillageID:  scope.VillageID,
		EntityKind: "stage",
		EntityID:   st.ID,
		ActorID:    actorID,
		RelatedID:  parentID,
		Payload:    events.EventPayload{"scope": st.Scope, "name": st.Name, "position": at, "shifted": len(shifted)},
	}); err != nil {
		return domain.Stage{}, err
	}
	for _, sub := range in.SubStages {
		child, err := e.insertStageTx(ctx, tx, scope, &st, sub, actorID)
		if err != nil {
			return domain.Stage{}, err
		}
		st.SubStages = append(st.SubStages, child)
	}
	return st, nil
}

// freeStageIDTx draws from the scope counter until the id is unused. Ids built
// from free-form option, village or type ids can still meet another scope's.
func (e Engine) freeStageIDTx(ctx context.Context, tx *sql.Tx, counter, prefix string) (string, error) {
	for {
		id, err := e.nextIDTx(ctx, tx, counter, prefix)
		if err != nil {
			return "", err
		}
		_, err = e.Repo.GetStageTx(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// UpdateStage renames and/or repositions a top-level stage.
func (e Engine) UpdateStage(ctx context.Context, p auth.Principal, stageID string, patch StagePatch) (st domain.Stage, err error) {
	defer e.track("stage.update", "stage")(&err)
	return e.updateStage(ctx, p, "", stageID, patch)
}

// UpdateSubStage renames and/or repositions a sub-stage among its siblings.
func (e Engine) UpdateSubStage(ctx context.Context, p auth.Principal, parentID, subStageID string, patch StagePatch) (st domain.Stage, err error) {
	defer e.track("substage.update", "stage")(&err)
	if parentID == "" {
		return domain.Stage{}, invalid("stageId", "parent stage is required")
	}
	return e.updateStage(ctx, p, parentID, subStageID, patch)
}

func (e Engine) updateStage(ctx context.Context, p auth.Principal, parentID, stageID string, patch StagePatch) (domain.Stage, error) {
	if err := e.Auth.Authorize(p, auth.ActionManage, ""); err != nil {
		return domain.Stage{}, err
	}
	if len(patch.SubStages) > 0 {
		return domain.Stage{}, invalid("subStages", "updating sub-stages is not allowed here")
	}
	if patch.empty() {
		return domain.Stage{}, invalid("body", "no valid fields to update")
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return domain.Stage{}, invalid("name", "name cannot be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	st, err := e.siblingTx(ctx, tx, parentID, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	now := e.stamp()
	if patch.Name != nil || patch.Description != nil {
		var name *string
		if patch.Name != nil {
			trimmed := strings.TrimSpace(*patch.Name)
			name = &trimmed
		}
		if err := e.Repo.UpdateStageFieldsTx(ctx, tx, st.ID, name, patch.Description, now); err != nil {
			return domain.Stage{}, notFound(err, "stage", st.ID)
		}
	}
	payload := events.EventPayload{"scope": st.Scope}
	if patch.Name != nil {
		payload["name"] = strings.TrimSpace(*patch.Name)
	}
	if patch.Position != nil {
		prev, err := e.Repo.ActivePositionsTx(ctx, tx, st.Scope, parentKey(st))
		if err != nil {
			return domain.Stage{}, err
		}
		next, err := ordered.FromPositions(prev).Move(st.ID, *patch.Position)
		if err != nil {
			return domain.Stage{}, positionError(err)
		}
		if err := e.Repo.SetStagePositionsTx(ctx, tx, ordered.Changed(prev, next), now); err != nil {
			return domain.Stage{}, err
		}
		if err := e.checkOrderTx(ctx, tx, st.Scope, parentKey(st)); err != nil {
			return domain.Stage{}, err
		}
		payload["from"] = st.Position
		payload["to"] = *patch.Position
	}
	eventType := events.StageUpdate
	if st.ParentID != nil {
		eventType = events.SubStageUpdate
	}
	scope, _ := domain.ParseScope(st.Scope)
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       eventType,
		VillageID:  scope.VillageID,
		EntityKind: "stage",
		EntityID:   st.ID,
		ActorID:    p.ID,
		RelatedID:  parentKey(st),
		Payload:    payload,
	}); err != nil {
		return domain.Stage{}, err
	}
	updated, err := e.withSubStagesTx(ctx, tx, st.ID)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return updated, nil
}

// SoftDeleteStage marks a top-level stage deleted. It keeps its last position
// value while the active siblings after it close the gap.
func (e Engine) SoftDeleteStage(ctx context.Context, p auth.Principal, stageID string) (err error) {
	defer e.track("stage.delete", "stage")(&err)
	return e.softDelete(ctx, p, "", stageID)
}

func (e Engine) SoftDeleteSubStage(ctx context.Context, p auth.Principal, parentID, subStageID string) (err error) {
	defer e.track("substage.delete", "stage")(&err)
	if parentID == "" {
		return invalid("stageId", "parent stage is required")
	}
	return e.softDelete(ctx, p, parentID, subStageID)
}

func (e Engine) softDelete(ctx context.Context, p auth.Principal, parentID, stageID string) error {
	if err := e.Auth.Authorize(p, auth.ActionManage, ""); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st, err := e.siblingTx(ctx, tx, parentID, stageID)
	if err != nil {
		return err
	}
	prev, err := e.Repo.ActivePositionsTx(ctx, tx, st.Scope, parentKey(st))
	if err != nil {
		return err
	}
	next, _, err := ordered.FromPositions(prev).Remove(st.ID)
	if err != nil {
		return NotFoundError{Kind: "stage", IDs: []string{st.ID}}
	}
	now := e.stamp()
	if err := e.Repo.MarkStageDeletedTx(ctx, tx, st.ID, now); err != nil {
		return notFound(err, "stage", st.ID)
	}
	if err := e.Repo.SetStagePositionsTx(ctx, tx, ordered.Changed(prev, next), now); err != nil {
		return err
	}
	if err := e.checkOrderTx(ctx, tx, st.Scope, parentKey(st)); err != nil {
		return err
	}
	eventType := events.StageDelete
	if st.ParentID != nil {
		eventType = events.SubStageDelete
	}
	scope, _ := domain.ParseScope(st.Scope)
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       eventType,
		VillageID:  scope.VillageID,
		EntityKind: "stage",
		EntityID:   st.ID,
		ActorID:    p.ID,
		RelatedID:  parentKey(st),
		Payload:    events.EventPayload{"scope": st.Scope, "position": st.Position},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStages returns the scope's stages in order, each with its sub-stages.
func (e Engine) ListStages(ctx context.Context, scopeKey string, includeDeleted bool) ([]domain.Stage, error) {
	scope, err := parseScope(scopeKey)
	if err != nil {
		return nil, err
	}
	stages, err := e.Repo.ListStages(ctx, scope.String(), "", includeDeleted)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stages))
	for _, st := range stages {
		ids = append(ids, st.ID)
	}
	subs, err := e.Repo.ListSubStagesOf(ctx, ids, includeDeleted)
	if err != nil {
		return nil, err
	}
	for i := range stages {
		stages[i].SubStages = subs[stages[i].ID]
	}
	return stages, nil
}

func (e Engine) ListSubStages(ctx context.Context, parentID string, includeDeleted bool) ([]domain.Stage, error) {
	parent, err := e.Repo.GetStage(ctx, parentID)
	if err != nil {
		return nil, notFound(err, "stage", parentID)
	}
	if parent.ParentID != nil {
		return nil, NotFoundError{Kind: "stage", IDs: []string{parentID}}
	}
	return e.Repo.ListStages(ctx, parent.Scope, parent.ID, includeDeleted)
}

// GetStage returns one stage (deleted or not) with its active sub-stages.
func (e Engine) GetStage(ctx context.Context, stageID string) (domain.Stage, error) {
	st, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.Stage{}, notFound(err, "stage", stageID)
	}
	if st.ParentID == nil {
		subs, err := e.Repo.ListSubStagesOf(ctx, []string{st.ID}, false)
		if err != nil {
			return domain.Stage{}, err
		}
		st.SubStages = subs[st.ID]
	}
	return st, nil
}

func (e Engine) activeStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	st, err := e.Repo.GetStageTx(ctx, tx, id)
	if err != nil {
		return domain.Stage{}, notFound(err, "stage", id)
	}
	if st.Deleted {
		return domain.Stage{}, NotFoundError{Kind: "stage", IDs: []string{id}}
	}
	return st, nil
}

// siblingTx loads an active stage and checks it sits under parentID ("" for top level).
func (e Engine) siblingTx(ctx context.Context, tx *sql.Tx, parentID, id string) (domain.Stage, error) {
	st, err := e.activeStageTx(ctx, tx, id)
	if err != nil {
		return domain.Stage{}, err
	}
	if parentKey(st) != parentID {
		return domain.Stage{}, NotFoundError{Kind: "stage", IDs: []string{id}}
	}
	return st, nil
}

func (e Engine) withSubStagesTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	st, err := e.Repo.GetStageTx(ctx, tx, id)
	if err != nil {
		return domain.Stage{}, notFound(err, "stage", id)
	}
	if st.ParentID == nil {
		subs, err := e.Repo.ListSubStagesOfTx(ctx, tx, []string{st.ID}, false)
		if err != nil {
			return domain.Stage{}, err
		}
		st.SubStages = subs[st.ID]
	}
	return st, nil
}

// checkOrderTx fails the mutation if the active siblings no longer hold 0..N-1.
func (e Engine) checkOrderTx(ctx context.Context, tx *sql.Tx, scope, parentID string) error {
	positions, err := e.Repo.ActivePositionsTx(ctx, tx, scope, parentID)
	if err != nil {
		return err
	}
	values := make([]int, 0, len(positions))
	for _, p := range positions {
		values = append(values, p)
	}
	if err := ordered.CheckContiguous(values); err != nil {
		return fmt.Errorf("stage order in %s: %w", scope, err)
	}
	return nil
}

// ladderStep is one entry of a scope's flattened prerequisite order.
type ladderStep struct {
	ID       string
	Name     string
	ParentID string
}

// ladderTx flattens the scope's active stages in order. A stage with active
// sub-stages contributes those sub-stages in their order; a stage without any
// contributes itself.
func (e Engine) ladderTx(ctx context.Context, tx *sql.Tx, scope string) ([]ladderStep, error) {
	stages, err := e.Repo.ListStagesTx(ctx, tx, scope, "", false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stages))
	for _, st := range stages {
		ids = append(ids, st.ID)
	}
	subs, err := e.Repo.ListSubStagesOfTx(ctx, tx, ids, false)
	if err != nil {
		return nil, err
	}
	var out []ladderStep
	for _, st := range stages {
		children := subs[st.ID]
		if len(children) == 0 {
			out = append(out, ladderStep{ID: st.ID, Name: st.Name})
			continue
		}
		for _, sub := range children {
			out = append(out, ladderStep{ID: sub.ID, Name: sub.Name, ParentID: st.ID})
		}
	}
	return out, nil
}
