package engine

import (
	"context"
	"fmt"
	"strings"

	"relocation/internal/domain"
	"relocation/internal/engine/auth"
	"relocation/internal/events"
)

type HomeInput struct {
	FamilyID    string
	MukhiyaName string
}

type HouseInput struct {
	VillageID string
	TypeID    string
	Homes     []HomeInput
}

// InsertHouse allocates a house, turns each of its homes into a trackable house
// entity and points every listed family at the new house, all in one
// transaction. Any unknown family aborts the whole insert.
func (e Engine) InsertHouse(ctx context.Context, p auth.Principal, in HouseInput) (h domain.House, err error) {
	defer e.track("house.insert", string(domain.KindHouse))(&err)
	if err := e.Auth.Authorize(p, auth.ActionSelfService, ""); err != nil {
		return domain.House{}, err
	}
	fields := map[string]string{}
	if strings.TrimSpace(in.VillageID) == "" {
		fields["villageId"] = "village is required"
	}
	if strings.TrimSpace(in.TypeID) == "" {
		fields["typeId"] = "building type is required"
	}
	if len(in.Homes) == 0 {
		fields["homeDetails"] = "at least one home is required"
	}
	seen := map[string]bool{}
	familyIDs := make([]string, 0, len(in.Homes))
	for i, home := range in.Homes {
		fam := strings.TrimSpace(home.FamilyID)
		switch {
		case fam == "":
			fields[fmt.Sprintf("homeDetails[%d].familyId", i)] = "family is required"
		case seen[fam]:
			fields[fmt.Sprintf("homeDetails[%d].familyId", i)] = "family listed twice"
		default:
			seen[fam] = true
			familyIDs = append(familyIDs, fam)
		}
	}
	if len(fields) > 0 {
		return domain.House{}, ValidationError{Fields: fields}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.House{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEntityTx(ctx, tx, domain.KindVillage, in.VillageID); err != nil {
		return domain.House{}, notFound(err, "village", in.VillageID)
	}
	missing, err := e.Repo.MissingEntitiesTx(ctx, tx, domain.KindFamily, familyIDs)
	if err != nil {
		return domain.House{}, err
	}
	if len(missing) > 0 {
		return domain.House{}, NotFoundError{Kind: "family", IDs: missing}
	}
	houseID, err := e.nextIDTx(ctx, tx, "house:"+in.VillageID, "plot_"+in.VillageID)
	if err != nil {
		return domain.House{}, err
	}
	now := e.stamp()
	h = domain.House{
		ID:        houseID,
		VillageID: in.VillageID,
		TypeID:    in.TypeID,
		CreatedBy: p.ID,
		CreatedAt: now,
	}
	scope := domain.BuildingScope(in.VillageID, in.TypeID).String()
	for i, home := range in.Homes {
		h.Homes = append(h.Homes, domain.Home{
			ID:          fmt.Sprintf("%s_H%d", houseID, i+1),
			FamilyID:    strings.TrimSpace(home.FamilyID),
			MukhiyaName: strings.TrimSpace(home.MukhiyaName),
		})
	}
	if err := e.Repo.InsertHouseTx(ctx, tx, h); err != nil {
		return domain.House{}, fmt.Errorf("insert house: %w", err)
	}
	for _, home := range h.Homes {
		if err := e.Repo.InsertEntityTx(ctx, tx, domain.Entity{
			Kind:      domain.KindHouse,
			ID:        home.ID,
			VillageID: in.VillageID,
			Name:      home.MukhiyaName,
			TypeID:    in.TypeID,
			ParentID:  houseID,
			Scope:     scope,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return domain.House{}, fmt.Errorf("insert home %s: %w", home.ID, err)
		}
		if err := e.Repo.SetFamilyPlotTx(ctx, tx, home.FamilyID, houseID, now); err != nil {
			return domain.House{}, notFound(err, "family", home.FamilyID)
		}
	}
	if err := e.eventWriter().Append(ctx, tx, events.Entry{
		Type:       events.HouseInsert,
		VillageID:  in.VillageID,
		EntityKind: string(domain.KindHouse),
		EntityID:   houseID,
		ActorID:    p.ID,
		Payload:    events.EventPayload{"typeId": in.TypeID, "homes": len(h.Homes), "families": familyIDs},
	}); err != nil {
		return domain.House{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.House{}, err
	}
	return h, nil
}

func (e Engine) GetHouse(ctx context.Context, id string) (domain.House, error) {
	h, err := e.Repo.GetHouse(ctx, id)
	if err != nil {
		return domain.House{}, notFound(err, "house", id)
	}
	return h, nil
}
