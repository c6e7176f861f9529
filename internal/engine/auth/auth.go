package auth

import (
	"fmt"
	"strings"
)

// Role is an employee role code.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleForestGuard Role = "fg"
	RoleRA          Role = "ra"
	RoleRO          Role = "ro"
	RoleAD          Role = "ad"
	RoleDD          Role = "dd"
)

// approvalChain maps each approving role to the status a record must sit at for
// that role to act on it. Roles absent here cannot approve.
var approvalChain = map[Role]int{
	RoleRA: 1,
	RoleRO: 2,
	RoleAD: 3,
	RoleDD: 4,
}

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleAdmin, RoleForestGuard, RoleRA, RoleRO, RoleAD, RoleDD}
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RequiredStatus returns the record status a role acts on.
func RequiredStatus(r Role) (int, bool) {
	s, ok := approvalChain[r]
	return s, ok
}

type Action string

const (
	// ActionSelfService covers insert/edit/delete of records on one's own behalf.
	ActionSelfService Action = "self_service"
	ActionApprove     Action = "approve"
	ActionManage      Action = "manage_stages"
	ActionRead        Action = "read"
)

// Principal is the authenticated caller.
type Principal struct {
	ID     string
	Role   Role
	Active bool
	Source string
}

// UnauthorizedError indicates the principal may not perform the action.
type UnauthorizedError struct {
	Action Action
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized to %s: %s", e.Action, e.Reason)
}

// NotActivatedError indicates the principal's account is not active yet.
type NotActivatedError struct {
	PrincipalID string
}

func (e NotActivatedError) Error() string {
	return fmt.Sprintf("principal %s is not activated", e.PrincipalID)
}

// Gate answers capability questions; it holds no state.
type Gate struct{}

// Authorize checks activation first, then the action's rule. target is the user
// id a self-service request claims to act for; empty means the principal itself.
func (Gate) Authorize(p Principal, action Action, target string) error {
	if p.ID == "" {
		return UnauthorizedError{Action: action, Reason: "no principal"}
	}
	if !p.Active {
		return NotActivatedError{PrincipalID: p.ID}
	}
	switch action {
	case ActionRead:
		return nil
	case ActionSelfService:
		if target != "" && target != p.ID {
			return UnauthorizedError{Action: action, Reason: fmt.Sprintf("principal %s cannot act for %s", p.ID, target)}
		}
		return nil
	case ActionManage:
		if p.Role != RoleAdmin {
			return UnauthorizedError{Action: action, Reason: "admin role required"}
		}
		return nil
	case ActionApprove:
		if _, ok := RequiredStatus(p.Role); !ok {
			return UnauthorizedError{Action: action, Reason: fmt.Sprintf("role %q has no approval authority", p.Role)}
		}
		return nil
	}
	return UnauthorizedError{Action: action, Reason: "unknown action"}
}

// AuthorizeApproval allows a verify step only when the record sits at exactly the
// status the principal's role is responsible for.
func (g Gate) AuthorizeApproval(p Principal, currentStatus int) error {
	if err := g.Authorize(p, ActionApprove, ""); err != nil {
		return err
	}
	required, _ := RequiredStatus(p.Role)
	if required != currentStatus {
		return UnauthorizedError{
			Action: ActionApprove,
			Reason: fmt.Sprintf("role %s acts on status %d, record is at %d", p.Role, required, currentStatus),
		}
	}
	return nil
}
