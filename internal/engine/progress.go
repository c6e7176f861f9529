package engine

import (
	"context"

	"relocation/internal/domain"
)

// Progress returns the entity with its scope's stage order annotated against
// stagesCompleted and currentStage.
func (e Engine) Progress(ctx context.Context, kind domain.EntityKind, id string) (domain.Progress, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, err
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, kind, id)
	if err != nil {
		return domain.Progress{}, notFound(err, string(kind), id)
	}
	ladder, err := e.ladderTx(ctx, tx, ent.Scope)
	if err != nil {
		return domain.Progress{}, err
	}
	completed := map[string]bool{}
	for _, s := range ent.StagesCompleted {
		completed[s] = true
	}
	out := domain.Progress{Entity: ent, Stages: make([]domain.ProgressStage, 0, len(ladder))}
	reachable := true
	for _, step := range ladder {
		out.Stages = append(out.Stages, domain.ProgressStage{
			StageID:   step.ID,
			ParentID:  step.ParentID,
			Name:      step.Name,
			Completed: completed[step.ID],
			Current:   ent.CurrentStage != nil && *ent.CurrentStage == step.ID,
			Reachable: reachable,
		})
		if !completed[step.ID] {
			reachable = false
		}
	}
	return out, nil
}

// IsStageReachable reports whether every stage ordered before stageID is completed
// for the entity, i.e. whether a verification for stageID would pass the
// prerequisite check.
func (e Engine) IsStageReachable(ctx context.Context, kind domain.EntityKind, id, stageID string) (bool, error) {
	p, err := e.Progress(ctx, kind, id)
	if err != nil {
		return false, err
	}
	for _, s := range p.Stages {
		if s.StageID == stageID {
			return s.Reachable, nil
		}
	}
	return false, InvalidStageError{StageID: stageID, Scope: p.Entity.Scope, Reason: "not an active stage of this scope"}
}
