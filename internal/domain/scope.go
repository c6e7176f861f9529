package domain

import (
	"fmt"
	"strings"
)

// Scope kinds partition stage lists.
const (
	ScopeVillage  = "village"
	ScopeOption   = "option"
	ScopeBuilding = "building"
	ScopeFacility = "facility"
	ScopeMaterial = "material"
)

// Scope identifies one ordered stage list, e.g. "building/V1/btype_V1_2".
type Scope struct {
	Kind      string
	VillageID string
	TypeID    string
	OptionID  string
}

func VillageScope() Scope { return Scope{Kind: ScopeVillage} }
func OptionScope(optionID string) Scope { return Scope{Kind: ScopeOption, OptionID: optionID} }
func FacilityScope(villageID string) Scope { return Scope{Kind: ScopeFacility, VillageID: villageID} }
func MaterialScope(villageID string) Scope { return Scope{Kind: ScopeMaterial, VillageID: villageID} }
func BuildingScope(villageID, typeID string) Scope {
	return Scope{Kind: ScopeBuilding, VillageID: villageID, TypeID: typeID}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeVillage:
		return ScopeVillage
	case ScopeOption:
		return ScopeOption + "/" + s.OptionID
	case ScopeBuilding:
		return ScopeBuilding + "/" + s.VillageID + "/" + s.TypeID
	default:
		return s.Kind + "/" + s.VillageID
	}
}

// StageIDPrefix is the prefix new top-level stage ids in this scope receive.
// Each scope kind has its own leading tag and every scope field is included.
func (s Scope) StageIDPrefix() string {
	switch s.Kind {
	case ScopeVillage:
		return "Stage"
	case ScopeOption:
		return "OS_" + s.OptionID
	case ScopeBuilding:
		return "stage_" + s.VillageID + "_" + s.TypeID
	case ScopeFacility:
		return "FS_" + s.VillageID
	default:
		return "MS_" + s.VillageID
	}
}

// ParseScope validates a scope key.
func ParseScope(key string) (Scope, error) {
	parts := strings.Split(strings.TrimSpace(key), "/")
	for _, p := range parts {
		if p == "" {
			return Scope{}, fmt.Errorf("invalid scope %q", key)
		}
	}
	var s Scope
	switch parts[0] {
	case ScopeVillage:
		if len(parts) == 1 {
			s = VillageScope()
		}
	case ScopeOption:
		if len(parts) == 2 {
			s = OptionScope(parts[1])
		}
	case ScopeBuilding:
		if len(parts) == 3 {
			s = BuildingScope(parts[1], parts[2])
		}
	case ScopeFacility:
		if len(parts) == 2 {
			s = FacilityScope(parts[1])
		}
	case ScopeMaterial:
		if len(parts) == 2 {
			s = MaterialScope(parts[1])
		}
	}
	if s.Kind == "" {
		return Scope{}, fmt.Errorf("invalid scope %q", key)
	}
	return s, nil
}

// ScopeFor returns the stage scope an entity progresses through.
func ScopeFor(e Entity) (Scope, error) {
	switch e.Kind {
	case KindVillage:
		return VillageScope(), nil
	case KindFamily:
		if e.OptionID == "" {
			return Scope{}, fmt.Errorf("family %s has no relocation option", e.ID)
		}
		return OptionScope(e.OptionID), nil
	case KindPlot, KindHouse:
		if e.VillageID == "" || e.TypeID == "" {
			return Scope{}, fmt.Errorf("%s %s needs village and building type", e.Kind, e.ID)
		}
		return BuildingScope(e.VillageID, e.TypeID), nil
	case KindFacility:
		return FacilityScope(e.VillageID), nil
	case KindMaterial:
		return MaterialScope(e.VillageID), nil
	}
	return Scope{}, fmt.Errorf("unknown entity type %q", e.Kind)
}

// VerificationIDPrefix returns the counter scope for an entity's verification ids.
func VerificationIDPrefix(e Entity) string {
	switch e.Kind {
	case KindVillage:
		return "Updates_" + e.ID
	case KindFamily:
		return "VOF_" + e.VillageID + "_" + e.OptionID
	case KindPlot, KindHouse:
		return "V_" + e.VillageID + "_" + e.TypeID
	case KindFacility:
		return "FV_" + e.VillageID + "_" + e.ID
	default:
		return "MU_" + e.VillageID + "_" + e.ID
	}
}
