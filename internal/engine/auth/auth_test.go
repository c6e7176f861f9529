package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryApproverMapsToOneDistinctStatus(t *testing.T) {
	seen := map[int]Role{}
	approvers := 0
	for _, r := range Roles() {
		s, ok := RequiredStatus(r)
		if !ok {
			continue
		}
		approvers++
		require.GreaterOrEqual(t, s, 1)
		require.LessOrEqual(t, s, 4)
		prev, dup := seen[s]
		require.Falsef(t, dup, "status %d claimed by %s and %s", s, prev, r)
		seen[s] = r
	}
	assert.Equal(t, 4, approvers)
	for _, r := range []Role{RoleAdmin, RoleForestGuard} {
		_, ok := RequiredStatus(r)
		assert.Falsef(t, ok, "%s must not approve", r)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" RO ")
	require.NoError(t, err)
	assert.Equal(t, RoleRO, r)
	_, err = ParseRole("chief")
	assert.Error(t, err)
}

func TestAuthorizeRequiresActivation(t *testing.T) {
	var g Gate
	err := g.Authorize(Principal{ID: "u1", Role: RoleAdmin}, ActionRead, "")
	var na NotActivatedError
	require.True(t, errors.As(err, &na))
	assert.Equal(t, "u1", na.PrincipalID)
}

func TestAuthorizeSelfService(t *testing.T) {
	var g Gate
	p := Principal{ID: "u1", Role: RoleForestGuard, Active: true}
	assert.NoError(t, g.Authorize(p, ActionSelfService, ""))
	assert.NoError(t, g.Authorize(p, ActionSelfService, "u1"))
	var ue UnauthorizedError
	require.True(t, errors.As(g.Authorize(p, ActionSelfService, "u2"), &ue))
	assert.Equal(t, ActionSelfService, ue.Action)
}

func TestAuthorizeManageNeedsAdmin(t *testing.T) {
	var g Gate
	assert.NoError(t, g.Authorize(Principal{ID: "a", Role: RoleAdmin, Active: true}, ActionManage, ""))
	assert.Error(t, g.Authorize(Principal{ID: "b", Role: RoleDD, Active: true}, ActionManage, ""))
}

func TestAuthorizeApprovalMatchesStatus(t *testing.T) {
	var g Gate
	for _, tc := range []struct {
		role   Role
		status int
		ok     bool
	}{
		{RoleRA, 1, true},
		{RoleRA, 2, false},
		{RoleRO, 2, true},
		{RoleAD, 3, true},
		{RoleDD, 4, true},
		{RoleDD, 3, false},
		{RoleForestGuard, 1, false},
		{RoleAdmin, 1, false},
	} {
		err := g.AuthorizeApproval(Principal{ID: "x", Role: tc.role, Active: true}, tc.status)
		if tc.ok {
			assert.NoErrorf(t, err, "%s at %d", tc.role, tc.status)
		} else {
			assert.Errorf(t, err, "%s at %d", tc.role, tc.status)
		}
	}
	err := g.AuthorizeApproval(Principal{ID: "x", Role: RoleRA}, 1)
	var na NotActivatedError
	assert.True(t, errors.As(err, &na))
}
