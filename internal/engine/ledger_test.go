package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
	"relocation/internal/repo"
)

func TestVillageAdvancesOnlyThroughCompletedPrerequisites(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey", "Consent", "Compensation")
	env.village(t, "V1")

	survey := env.insert(t, domain.KindVillage, "V1", s[0].ID)
	assert.Equal(t, "Updates_V1_1", survey.ID)
	assert.Equal(t, 1, survey.Status)

	_, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[2].ID,
	})
	mp := requireErrorAs[engine.MissingPrerequisiteError](t, err)
	assert.Equal(t, []string{"Consent"}, mp.Missing)

	consent := env.insert(t, domain.KindVillage, "V1", s[1].ID)
	for _, approver := range []auth.Principal{ra, ro, ad} {
		consent, err = env.Engine.VerifyVerification(env.Ctx, approver, domain.KindVillage, consent.ID, 1, "checked by "+approver.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, consent.Status)

	comp := env.insert(t, domain.KindVillage, "V1", s[2].ID)
	assert.Equal(t, "Updates_V1_3", comp.ID)

	v1, err := env.Engine.GetEntity(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	require.NotNil(t, v1.CurrentStage)
	assert.Equal(t, s[2].ID, *v1.CurrentStage)
	assert.ElementsMatch(t, []string{s[0].ID, s[1].ID, s[2].ID}, v1.StagesCompleted)
}

func TestMissingPrerequisitesListedInOrder(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "A", "B", "C", "D")
	env.village(t, "V1")
	env.insert(t, domain.KindVillage, "V1", s[0].ID)
	_, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[3].ID,
	})
	mp := requireErrorAs[engine.MissingPrerequisiteError](t, err)
	assert.Equal(t, []string{"B", "C"}, mp.Missing)

	v1, err := env.Engine.GetEntity(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{s[0].ID}, v1.StagesCompleted, "rejected insert must not touch progress")
}

func TestInsertRejectsStageOutsideScope(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "A", "B")
	other := env.stages(t, "facility/V1", "Pump")
	env.village(t, "V1")
	require.NoError(t, env.Engine.SoftDeleteStage(env.Ctx, admin, s[1].ID))

	for _, stageID := range []string{s[1].ID, other[0].ID, "Stage_404"} {
		_, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
			EntityKind: domain.KindVillage, EntityID: "V1", StageID: stageID,
		})
		requireErrorAs[engine.InvalidStageError](t, err)
	}

	_, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V9", StageID: s[0].ID,
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestVillageRecordsTargetSubStages(t *testing.T) {
	env := newTestEnv(t)
	consent, err := env.Engine.InsertStage(env.Ctx, admin, "village", engine.StageInput{
		Name:      "Consent",
		SubStages: []engine.StageInput{{Name: "Resolution"}, {Name: "Forms"}},
	})
	require.NoError(t, err)
	env.village(t, "V1")
	res, forms := consent.SubStages[0], consent.SubStages[1]

	_, err = env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: consent.ID,
	})
	requireErrorAs[engine.InvalidStageError](t, err)

	_, err = env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: consent.ID, SubStageID: forms.ID,
	})
	mp := requireErrorAs[engine.MissingPrerequisiteError](t, err)
	assert.Equal(t, []string{"Resolution"}, mp.Missing)

	v, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: consent.ID, SubStageID: res.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, v.SubStageID)
	assert.Equal(t, res.ID, v.Target())

	ok, err := env.Engine.IsStageReachable(env.Ctx, domain.KindVillage, "V1", forms.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRoleVerifyFollowsApprovalChain(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey")
	env.village(t, "V1")
	v := env.insert(t, domain.KindVillage, "V1", s[0].ID)

	_, err := env.Engine.VerifyVerification(env.Ctx, ro, domain.KindVillage, v.ID, 1, "too early")
	requireErrorAs[auth.UnauthorizedError](t, err)
	_, err = env.Engine.VerifyVerification(env.Ctx, guard, domain.KindVillage, v.ID, 1, "not an approver")
	requireErrorAs[auth.UnauthorizedError](t, err)
	_, err = env.Engine.VerifyVerification(env.Ctx, ra, domain.KindVillage, v.ID, 2, "jump")
	requireErrorAs[engine.ValidationError](t, err)
	_, err = env.Engine.VerifyVerification(env.Ctx, ra, domain.KindVillage, v.ID, 1, "  ")
	ve := requireErrorAs[engine.ValidationError](t, err)
	assert.Contains(t, ve.Fields, "comments")

	v, err = env.Engine.VerifyVerification(env.Ctx, ra, domain.KindVillage, v.ID, -1, "send back")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Status, "status never drops below 1")

	steps := []struct {
		who    auth.Principal
		delta  int
		status int
	}{
		{ra, 1, 2},
		{ro, 1, 3},
		{ad, -1, 2},
		{ro, 1, 3},
		{ad, 1, 4},
		{dd, 1, 4},
		{dd, -1, 3},
	}
	for i, step := range steps {
		v, err = env.Engine.VerifyVerification(env.Ctx, step.who, domain.KindVillage, v.ID, step.delta, "step")
		require.NoError(t, err, "step %d", i)
		require.Equal(t, step.status, v.Status, "step %d", i)
		require.GreaterOrEqual(t, v.Status, domain.StatusMin)
		require.LessOrEqual(t, v.Status, domain.StatusMax)
	}
	assert.Len(t, v.StatusHistory, 1+1+len(steps))
	assert.Equal(t, "dd-1", v.VerifiedBy)

	_, err = env.Engine.VerifyVerification(env.Ctx, ra, domain.KindFamily, v.ID, 1, "wrong type")
	requireErrorAs[engine.NotFoundError](t, err)
}

func TestEditAndDeleteFreezeRegardlessOfRole(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey")
	env.village(t, "V1")
	v := env.insert(t, domain.KindVillage, "V1", s[0].ID)

	edited, err := env.Engine.EditVerification(env.Ctx, guard, domain.KindVillage, v.ID, engine.VerificationPatch{Notes: strPtr("second visit")})
	require.NoError(t, err)
	assert.Equal(t, "second visit", edited.Notes)
	assert.Equal(t, 1, edited.Status)
	require.Len(t, edited.StatusHistory, 2)
	assert.Equal(t, "second visit", edited.StatusHistory[1].Comments)
	assert.Equal(t, s[0].ID, edited.StageID)

	_, err = env.Engine.EditVerification(env.Ctx, guard, domain.KindVillage, v.ID, engine.VerificationPatch{})
	requireErrorAs[engine.ValidationError](t, err)

	_, err = env.Engine.VerifyVerification(env.Ctx, ra, domain.KindVillage, v.ID, 1, "ok")
	require.NoError(t, err)
	for _, p := range []auth.Principal{guard, admin, dd} {
		err := env.Engine.DeleteVerification(env.Ctx, p, domain.KindVillage, v.ID, "")
		fe := requireErrorAs[engine.FrozenError](t, err)
		assert.Equal(t, domain.DeleteFreezeStatus, fe.Threshold)
	}
	_, err = env.Engine.EditVerification(env.Ctx, guard, domain.KindVillage, v.ID, engine.VerificationPatch{Name: strPtr("still editable")})
	require.NoError(t, err)

	_, err = env.Engine.VerifyVerification(env.Ctx, ro, domain.KindVillage, v.ID, 1, "ok")
	require.NoError(t, err)
	for _, p := range []auth.Principal{guard, admin, ad} {
		_, err := env.Engine.EditVerification(env.Ctx, p, domain.KindVillage, v.ID, engine.VerificationPatch{Notes: strPtr("late")})
		fe := requireErrorAs[engine.FrozenError](t, err)
		assert.Equal(t, 3, fe.Status)
		assert.Equal(t, "edit", fe.Op)
	}
}

func TestDeleteSoleRecordRemovesCompletedStage(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey", "Consent")
	env.village(t, "V1")
	survey := env.insert(t, domain.KindVillage, "V1", s[0].ID)
	consent := env.insert(t, domain.KindVillage, "V1", s[1].ID)

	require.NoError(t, env.Engine.DeleteVerification(env.Ctx, guard, domain.KindVillage, consent.ID, ""))
	v1, err := env.Engine.GetEntity(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{s[0].ID}, v1.StagesCompleted)
	require.NotNil(t, v1.CurrentStage)
	assert.Equal(t, s[0].ID, *v1.CurrentStage)

	_, err = env.Engine.GetVerification(env.Ctx, domain.KindVillage, consent.ID)
	requireErrorAs[engine.NotFoundError](t, err)
	err = env.Engine.DeleteVerification(env.Ctx, guard, domain.KindVillage, consent.ID, "")
	requireErrorAs[engine.NotFoundError](t, err)

	require.NoError(t, env.Engine.DeleteVerification(env.Ctx, guard, domain.KindVillage, survey.ID, ""))
	v1, err = env.Engine.GetEntity(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	assert.Empty(t, v1.StagesCompleted)
	assert.Nil(t, v1.CurrentStage)
}

func TestDeleteOneOfSeveralKeepsCompletedStage(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey")
	env.village(t, "V1")
	first := env.insert(t, domain.KindVillage, "V1", s[0].ID)
	env.insert(t, domain.KindVillage, "V1", s[0].ID)

	require.NoError(t, env.Engine.DeleteVerification(env.Ctx, guard, domain.KindVillage, first.ID, ""))
	v1, err := env.Engine.GetEntity(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{s[0].ID}, v1.StagesCompleted)
	require.NotNil(t, v1.CurrentStage)
	assert.Equal(t, s[0].ID, *v1.CurrentStage)
}

func TestDeleteRecomputesCurrentStageFromLatestVerified(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "A", "B", "C")
	env.village(t, "V1")
	a := env.insert(t, domain.KindVillage, "V1", s[0].ID)
	env.insert(t, domain.KindVillage, "V1", s[1].ID)
	c := env.insert(t, domain.KindVillage, "V1", s[2].ID)

	// Editing A stamps it as the most recently verified record.
	_, err := env.Engine.EditVerification(env.Ctx, guard, domain.KindVillage, a.ID, engine.VerificationPatch{Name: strPtr("recheck")})
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteVerification(env.Ctx, guard, domain.KindVillage, c.ID, ""))

	v1, err := env.Engine.GetEntity(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	require.NotNil(t, v1.CurrentStage)
	assert.Equal(t, s[0].ID, *v1.CurrentStage, "current stage follows the latest verification, not stage order")
	assert.ElementsMatch(t, []string{s[0].ID, s[1].ID}, v1.StagesCompleted)
}

func TestLatestVerifiedWinsWithinOneSecond(t *testing.T) {
	env := newTestEnv(t)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	env.village(t, "V1")
	fac := env.register(t, engine.EntityInput{Kind: domain.KindFacility, VillageID: "V1", Name: "Handpump"})
	s := env.stages(t, "facility/V1", "Sited", "Drilled")

	first := env.insert(t, domain.KindFacility, fac.ID, s[0].ID)
	env.insert(t, domain.KindFacility, fac.ID, s[1].ID)
	last := env.insert(t, domain.KindFacility, fac.ID, s[1].ID)
	_, err := env.Engine.EditVerification(env.Ctx, guard, domain.KindFacility, first.ID, engine.VerificationPatch{Notes: strPtr("re-measured")})
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteVerification(env.Ctx, guard, domain.KindFacility, last.ID, ""))

	got, err := env.Engine.GetEntity(env.Ctx, domain.KindFacility, fac.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentStage)
	assert.Equal(t, s[0].ID, *got.CurrentStage)
	assert.Equal(t, 9, clock.Hour())
	assert.Zero(t, clock.Second(), "every write stayed inside one second")
}

func TestSelfServiceActsOnlyForCaller(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey")
	env.village(t, "V1")

	_, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[0].ID, UserID: "someone-else",
	})
	requireErrorAs[auth.UnauthorizedError](t, err)

	inactive := guard
	inactive.Active = false
	_, err = env.Engine.InsertVerification(env.Ctx, inactive, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[0].ID,
	})
	requireErrorAs[auth.NotActivatedError](t, err)

	v, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[0].ID, UserID: guard.ID,
	})
	require.NoError(t, err)
	err = env.Engine.DeleteVerification(env.Ctx, guard, domain.KindVillage, v.ID, "someone-else")
	requireErrorAs[auth.UnauthorizedError](t, err)
}

func TestDocumentsMustBeURLs(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey")
	env.village(t, "V1")

	_, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[0].ID,
		Documents: []string{"https://files.example.org/a.pdf", "not a url"},
	})
	ve := requireErrorAs[engine.ValidationError](t, err)
	assert.Contains(t, ve.Fields, "documents[1]")

	v, err := env.Engine.InsertVerification(env.Ctx, guard, engine.VerificationInput{
		EntityKind: domain.KindVillage, EntityID: "V1", StageID: s[0].ID,
		Documents: []string{"s3://relocation-docs/V1/survey.jpg"},
	})
	require.NoError(t, err)
	got, err := env.Engine.GetVerification(env.Ctx, domain.KindVillage, v.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://relocation-docs/V1/survey.jpg"}, got.Documents)
}

func TestListVerificationsFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey", "Consent")
	env.village(t, "V1")
	env.village(t, "V2")
	for i := 0; i < 3; i++ {
		env.insert(t, domain.KindVillage, "V1", s[0].ID)
	}
	consent := env.insert(t, domain.KindVillage, "V1", s[1].ID)
	env.insert(t, domain.KindVillage, "V2", s[0].ID)
	_, err := env.Engine.VerifyVerification(env.Ctx, ra, domain.KindVillage, consent.ID, 1, "ok")
	require.NoError(t, err)

	page, err := env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{EntityKind: domain.KindVillage})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 15, page.Limit)
	assert.Equal(t, "Updates_V2_1", page.Items[0].ID, "newest first")

	page, err = env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{VillageID: "V1", Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Updates_V1_2", page.Items[0].ID)

	status := 2
	page, err = env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{Status: &status})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, consent.ID, page.Items[0].ID)

	page, err = env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{StageID: s[0].ID, EntityID: "V1"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{FromDate: "2024-01-01", ToDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	page, err = env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{FromDate: "2024-01-02"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = env.Engine.ListVerifications(env.Ctx, engine.VerificationQuery{FromDate: "01/02/2024"})
	requireErrorAs[engine.ValidationError](t, err)
}

func TestLedgerMutationsAreLogged(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey")
	env.village(t, "V1")
	v := env.insert(t, domain.KindVillage, "V1", s[0].ID)
	_, err := env.Engine.VerifyVerification(env.Ctx, ra, domain.KindVillage, v.ID, 1, "looks fine")
	require.NoError(t, err)

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{VillageID: "V1"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(evs), 3)
	assert.Equal(t, "verification.verify", evs[0].Type)
	require.NotNil(t, evs[0].Comments)
	assert.Equal(t, "looks fine", *evs[0].Comments)
	assert.Equal(t, "verification.insert", evs[1].Type)
	assert.Equal(t, "entity.register", evs[2].Type)
}

func TestProgressAnnotatesStages(t *testing.T) {
	env := newTestEnv(t)
	s := env.stages(t, "village", "Survey", "Consent", "Compensation")
	env.village(t, "V1")
	env.insert(t, domain.KindVillage, "V1", s[0].ID)

	p, err := env.Engine.Progress(env.Ctx, domain.KindVillage, "V1")
	require.NoError(t, err)
	require.Len(t, p.Stages, 3)
	assert.True(t, p.Stages[0].Completed)
	assert.True(t, p.Stages[0].Current)
	assert.True(t, p.Stages[1].Reachable)
	assert.False(t, p.Stages[1].Completed)
	assert.False(t, p.Stages[2].Reachable)

	ok, err := env.Engine.IsStageReachable(env.Ctx, domain.KindVillage, "V1", s[2].ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = env.Engine.IsStageReachable(env.Ctx, domain.KindVillage, "V1", "Stage_77")
	requireErrorAs[engine.InvalidStageError](t, err)
}
