package domain

import (
	"fmt"
	"strings"
)

// EntityKind names a trackable entity type; it doubles as the {entityType} URL segment.
type EntityKind string

const (
	KindVillage  EntityKind = "village"
	KindFamily   EntityKind = "family"
	KindPlot     EntityKind = "plot"
	KindHouse    EntityKind = "house"
	KindFacility EntityKind = "facility"
	KindMaterial EntityKind = "material"
)

// EntityKinds lists every trackable kind in display order.
func EntityKinds() []EntityKind {
	return []EntityKind{KindVillage, KindFamily, KindPlot, KindHouse, KindFacility, KindMaterial}
}

func (k EntityKind) Valid() bool {
	for _, kind := range EntityKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseEntityKind accepts the kind name case-insensitively.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return k, nil
}

// TimeLayout is how every stored timestamp is written. The fraction is fixed
// width so comparing two stamps as strings compares them as instants.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Verification status ladder.
const (
	StatusMin          = 1
	StatusMax          = 4
	EditFreezeStatus   = 3
	DeleteFreezeStatus = 2
)

// ClampStatus keeps a status inside the ladder.
func ClampStatus(s int) int {
	if s < StatusMin {
		return StatusMin
	}
	if s > StatusMax {
		return StatusMax
	}
	return s
}

type Stage struct {
	ID          string  `json:"stageId"`
	Scope       string  `json:"scope"`
	ParentID    *string `json:"parentId,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Deleted     bool    `json:"deleted"`
	Position    int     `json:"position"`
	CreatedAt   string  `json:"createdAt" format:"date-time"`
	UpdatedAt   string  `json:"updatedAt" format:"date-time"`
	SubStages   []Stage `json:"subStages,omitempty"`
}

type Entity struct {
	Kind            EntityKind `json:"kind" enum:"village,family,plot,house,facility,material"`
	ID              string     `json:"id"`
	VillageID       string     `json:"villageId"`
	Name            string     `json:"name,omitempty"`
	TypeID          string     `json:"typeId,omitempty"`
	OptionID        string     `json:"optionId,omitempty"`
	ParentID        string     `json:"parentId,omitempty"`
	PlotID          string     `json:"plotId,omitempty"`
	Scope           string     `json:"scope"`
	CurrentStage    *string    `json:"currentStage"`
	StagesCompleted []string   `json:"stagesCompleted"`
	CreatedAt       string     `json:"createdAt" format:"date-time"`
	UpdatedAt       string     `json:"updatedAt" format:"date-time"`
}

type StatusHistoryEntry struct {
	Status   int    `json:"status"`
	Comments string `json:"comments"`
	Verifier string `json:"verifier"`
	Time     string `json:"time" format:"date-time"`
}

type Verification struct {
	ID            string               `json:"verificationId"`
	EntityKind    EntityKind           `json:"entityType"`
	EntityID      string               `json:"entityId"`
	VillageID     string               `json:"villageId"`
	StageID       string               `json:"stageId"`
	SubStageID    *string              `json:"subStageId,omitempty"`
	Name          string               `json:"name,omitempty"`
	Notes         string               `json:"notes"`
	Documents     []string             `json:"documents"`
	Status        int                  `json:"status" minimum:"1" maximum:"4"`
	StatusHistory []StatusHistoryEntry `json:"statusHistory"`
	InsertedBy    string               `json:"insertedBy"`
	InsertedAt    string               `json:"insertedAt" format:"date-time"`
	VerifiedBy    string               `json:"verifiedBy"`
	VerifiedAt    string               `json:"verifiedAt" format:"date-time"`
	Deleted       bool                 `json:"deleted,omitempty"`
	DeletedBy     *string              `json:"deletedBy,omitempty"`
	DeletedAt     *string              `json:"deletedAt,omitempty" format:"date-time"`
}

// Target is the stage id the record advances its entity to: the sub-stage for
// village records, the stage otherwise.
func (v Verification) Target() string {
	if v.SubStageID != nil && *v.SubStageID != "" {
		return *v.SubStageID
	}
	return v.StageID
}

type Home struct {
	ID          string `json:"homeId"`
	FamilyID    string `json:"familyId"`
	MukhiyaName string `json:"mukhiyaName,omitempty"`
}

type House struct {
	ID        string `json:"houseId"`
	VillageID string `json:"villageId"`
	TypeID    string `json:"typeId"`
	Homes     []Home `json:"homeDetails"`
	CreatedBy string `json:"createdBy"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type Event struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	Type        string  `json:"type"`
	VillageID   *string `json:"villageId,omitempty"`
	EntityKind  string  `json:"entityKind"`
	EntityID    *string `json:"entityId,omitempty"`
	ActorID     string  `json:"actorId"`
	RelatedID   *string `json:"relatedId,omitempty"`
	Comments    *string `json:"comments,omitempty"`
	PayloadJSON string  `json:"payloadJson"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

// ProgressStage is one row of an entity's annotated stage list.
type ProgressStage struct {
	StageID   string `json:"stageId"`
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
	Reachable bool   `json:"reachable"`
}

type Progress struct {
	Entity Entity          `json:"entity"`
	Stages []ProgressStage `json:"stages"`
}
