package server

import (
	"relocation/internal/domain"
	"relocation/internal/engine"
)

// Request DTOs

type StageRequest struct {
	Name        string         `json:"name" minLength:"1"`
	Description string         `json:"description,omitempty"`
	Position    *int           `json:"position,omitempty" minimum:"0"`
	SubStages   []StageRequest `json:"subStages,omitempty"`
}

type CreateStageRequest struct {
	Scope string `json:"scope" example:"building/V1/T1" doc:"village, option/{optionId}, building/{villageId}/{typeId}, facility/{villageId} or material/{villageId}"`
	StageRequest
}

type UpdateStageRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Position    *int           `json:"position,omitempty" minimum:"0"`
	SubStages   []StageRequest `json:"subStages,omitempty" doc:"Rejected; edit sub-stages through their own routes"`
}

type InsertVerificationRequest struct {
	StageID    string   `json:"stageId" minLength:"1"`
	SubStageID string   `json:"subStageId,omitempty"`
	HomeID     string   `json:"homeId,omitempty" doc:"House entity id; overrides the path entity for house records"`
	Name       string   `json:"name,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Documents  []string `json:"documents,omitempty"`
	UserID     string   `json:"userId,omitempty"`
}

type EditVerificationRequest struct {
	Name      *string   `json:"name,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	Documents *[]string `json:"documents,omitempty"`
	UserID    string    `json:"userId,omitempty"`
}

type VerifyRequest struct {
	VerificationID string `json:"verificationId" minLength:"1"`
	Status         int    `json:"status" enum:"-1,1" doc:"+1 approves, -1 sends back"`
	Comments       string `json:"comments" minLength:"1"`
}

type RegisterEntityRequest struct {
	Kind      string `json:"kind" enum:"village,family,plot,house,facility,material"`
	ID        string `json:"id,omitempty"`
	VillageID string `json:"villageId,omitempty"`
	Name      string `json:"name,omitempty"`
	TypeID    string `json:"typeId,omitempty"`
	OptionID  string `json:"optionId,omitempty"`
	ParentID  string `json:"parentId,omitempty"`
}

type HomeRequest struct {
	FamilyID    string `json:"familyId" minLength:"1"`
	MukhiyaName string `json:"mukhiyaName,omitempty"`
}

type InsertHouseRequest struct {
	VillageID   string        `json:"villageId" minLength:"1"`
	TypeID      string        `json:"typeId" minLength:"1"`
	HomeDetails []HomeRequest `json:"homeDetails" minItems:"1"`
}

type DevLoginRequest struct {
	UserID    string `json:"userId" minLength:"1"`
	Role      string `json:"role" enum:"admin,fg,ra,ro,ad,dd"`
	Activated *bool  `json:"activated,omitempty"`
}

// Response DTOs

type DeletedResponse struct {
	Deleted string `json:"deleted"`
}

type StageList struct {
	Items []domain.Stage `json:"items"`
}

type EntityList struct {
	Items []domain.Entity `json:"items"`
}

type ReachableResponse struct {
	StageID   string `json:"stageId"`
	Reachable bool   `json:"reachable"`
}

type WhoAmIResponse struct {
	UserID         string `json:"userId"`
	Role           string `json:"role"`
	Active         bool   `json:"active"`
	Source         string `json:"source"`
	RequiredStatus int    `json:"requiredStatus,omitempty" doc:"Status this role may move records from; absent for non-approvers"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// Conversion helpers

func stageInput(r StageRequest) engine.StageInput {
	in := engine.StageInput{Name: r.Name, Description: r.Description, Position: r.Position}
	for _, sub := range r.SubStages {
		in.SubStages = append(in.SubStages, stageInput(sub))
	}
	return in
}

func stagePatch(r UpdateStageRequest) engine.StagePatch {
	p := engine.StagePatch{Name: r.Name, Description: r.Description, Position: r.Position}
	for _, sub := range r.SubStages {
		p.SubStages = append(p.SubStages, stageInput(sub))
	}
	return p
}

func homeInputs(items []HomeRequest) []engine.HomeInput {
	out := make([]engine.HomeInput, 0, len(items))
	for _, h := range items {
		out = append(out, engine.HomeInput{FamilyID: h.FamilyID, MukhiyaName: h.MukhiyaName})
	}
	return out
}

func nonNilStages(items []domain.Stage) []domain.Stage {
	if items == nil {
		return []domain.Stage{}
	}
	return items
}
