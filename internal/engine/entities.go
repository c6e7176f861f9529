package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relocation/internal/domain"
	"relocation/internal/engine/auth"
	"relocation/internal/events"
	"relocation/internal/repo"
)

// EntityInput registers a trackable entity. ID is generated when empty except
// for villages, which must be named explicitly.
type EntityInput struct {
	Kind      domain.EntityKind
	ID        string
	VillageID string
	Name      string
	TypeID    string
	OptionID  string
	ParentID  string
}

func (in EntityInput) validate() error {
	fields := map[string]string{}
	if !in.Kind.Valid() {
		fields["kind"] = fmt.Sprintf("unknown entity type %q", in.Kind)
	}
	switch in.Kind {
	case domain.KindVillage:
		if strings.TrimSpace(in.ID) == "" {
			fields["id"] = "village id is required"
		}
	case domain.KindFamily:
		if in.OptionID == "" {
			fields["optionId"] = "relocation option is required"
		}
	case domain.KindPlot, domain.KindHouse:
		if in.TypeID == "" {
			fields["typeId"] = "building type is required"
		}
	}
	if in.Kind != domain.KindVillage && in.Kind.Valid() && in.VillageID == "" {
		fields["villageId"] = "village is required"
	}
	if len(fields) > 0 {
		return ValidationError{Fields: fields}
	}
	return nil
}

// entityIDFormat returns the counter key and prefix for generated ids.
func entityIDFormat(in EntityInput) (string, string) {
	switch in.Kind {
	case domain.KindFamily:
		return "entity:family:" + in.VillageID, "fam_" + in.VillageID
	case domain.KindPlot:
		return "entity:plot:" + in.VillageID + ":" + in.TypeID, "P_" + in.VillageID + "_" + in.TypeID
	case domain.KindHouse:
		return "entity:house:" + in.VillageID, "home_" + in.VillageID
	case domain.KindFacility:
		return "entity:facility:" + in.VillageID, "fac_" + in.VillageID
	default:
		return "entity:material:" + in.VillageID, "mat_" + in.VillageID
	}
}

// RegisterEntity records an entity the ledger can track. Every non-village
// entity must belong to a registered village.
func (e Engine) RegisterEntity(ctx context.Context, p auth.Principal, in EntityInput) (ent domain.Entity, err error) {
	defer e.track("entity.register", string(in.Kind))(&err)
	if err := e.Auth.Authorize(p, auth.ActionManage, ""); err != nil {
		return domain.Entity{}, err
	}
	in.ID = strings.TrimSpace(in.ID)
	if in.Kind == domain.KindVillage {
		in.VillageID = in.ID
	}
	if err := in.validate(); err != nil {
		return domain.Entity{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	if in.Kind != domain.KindVillage {
		if _, err := e.Repo.GetEntityTx(ctx, tx, domain.KindVillage, in.VillageID); err != nil {
			return domain.Entity{}, notFound(err, "village", in.VillageID)
		}
	}
	if in.ID == "" {
		counter, prefix := entityIDFormat(in)
		if in.ID, err = e.nextIDTx(ctx, tx, counter, prefix); err != nil {
			return domain.Entity{}, err
		}
	} else if _, err := e.Repo.GetEntityTx(ctx, tx, in.Kind, in.ID); err == nil {
		return domain.Entity{}, invalid("id", fmt.Sprintf("%s %s already exists", in.Kind, in.ID))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Entity{}, err
	}
	now := e.stamp()
	ent = domain.Entity{
		Kind:            in.Kind,
		ID:              in.ID,
		VillageID:       in.VillageID,
		Name:            strings.TrimSpace(in.Name),
		TypeID:          in.TypeID,
		OptionID:        in.OptionID,
		ParentID:        in.ParentID,
		StagesCompleted: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	scope, err := domain.ScopeFor(ent)
	if err != nil {
		return domain.Entity{}, invalid("kind", err.Error())
	}
	ent.Scope = scope.String()
	if err := e.Repo.InsertEntityTx(ctx, tx, ent); err != nil {
		return domain.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       events.EntityRegister,
		VillageID:  ent.VillageID,
		EntityKind: string(ent.Kind),
		EntityID:   ent.ID,
		ActorID:    p.ID,
		Payload:    events.EventPayload{"scope": ent.Scope, "name": ent.Name},
	}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

func (e Engine) GetEntity(ctx context.Context, kind domain.EntityKind, id string) (domain.Entity, error) {
	ent, err := e.Repo.GetEntity(ctx, kind, id)
	if err != nil {
		return domain.Entity{}, notFound(err, string(kind), id)
	}
	return ent, nil
}

func (e Engine) ListEntities(ctx context.Context, f repo.EntityFilters) ([]domain.Entity, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, invalid("kind", fmt.Sprintf("unknown entity type %q", f.Kind))
	}
	return e.Repo.ListEntities(ctx, f)
}
