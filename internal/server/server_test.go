package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relocation/internal/config"
	"relocation/internal/db"
	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
	"relocation/internal/metrics"
	"relocation/internal/migrate"
	"relocation/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithAuth(t, AuthConfig{JWTSecret: testSecret})
}

func newTestServerWithAuth(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err, "ensure workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(conn), "migrate")

	reg := prometheus.NewRegistry()
	e := engine.New(conn, config.Default())
	e.Metrics = metrics.New(reg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     authCfg,
		Gatherer: reg,
	})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func bearer(t *testing.T, userID string, role auth.Role, activated bool) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, userID, role, activated, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), "decode %s", string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

// fixture holds a village with the Survey, Consent and Compensation stages.
type fixture struct {
	srv     *testServer
	admin   map[string]string
	guard   map[string]string
	stageID map[string]string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	srv := newTestServer(t)
	f := fixture{
		srv:     srv,
		admin:   bearer(t, "admin-1", auth.RoleAdmin, true),
		guard:   bearer(t, "fg-1", auth.RoleForestGuard, true),
		stageID: map[string]string{},
	}
	for _, name := range []string{"Survey", "Consent", "Compensation"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages", map[string]any{
			"scope": "village",
			"name":  name,
		}, f.admin)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
		f.stageID[name] = decode[domain.Stage](t, data).ID
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/entities", map[string]any{
		"kind": "village",
		"id":   "V1",
		"name": "Village One",
	}, f.admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return f
}

func (f fixture) insert(t *testing.T, stage string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/v0/village/stage-update/insert/V1", map[string]any{
		"stageId": f.stageID[stage],
		"notes":   "site visit",
	}, f.guard)
}

func (f fixture) verify(t *testing.T, headers map[string]string, id string, delta int) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/v0/village/stage-update/verify", map[string]any{
		"verificationId": id,
		"status":         delta,
		"comments":       "checked",
	}, headers)
}

func TestHealthIsPublicAndRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages?scope=village", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, body).Error.Code)

	wrongKey, err := SignToken("other-secret", "fg-1", auth.RoleForestGuard, true, time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + wrongKey})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestVillageStageWorkflowOverHTTP(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()

	res, body := f.insert(t, "Survey")
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	survey := decode[domain.Verification](t, body)
	assert.Equal(t, "Updates_V1_1", survey.ID)
	assert.Equal(t, 1, survey.Status)

	res, body = f.insert(t, "Compensation")
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(body))
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "missing_prerequisite", env.Error.Code)
	assert.Equal(t, []any{"Consent"}, env.Error.Details["missing"])

	res, body = f.insert(t, "Consent")
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	consent := decode[domain.Verification](t, body)

	chain := []auth.Role{auth.RoleRA, auth.RoleRO, auth.RoleAD}
	for i, role := range chain {
		res, body = f.verify(t, bearer(t, string(role)+"-1", role, true), consent.ID, 1)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
		assert.Equal(t, i+2, decode[domain.Verification](t, body).Status)
	}

	// ra only moves records out of status 1.
	res, body = f.verify(t, bearer(t, "ra-1", auth.RoleRA, true), consent.ID, 1)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)

	res, body = f.insert(t, "Compensation")
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	assert.Equal(t, "Updates_V1_3", decode[domain.Verification](t, body).ID)

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/village/progress/V1", nil, f.guard)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	progress := decode[domain.Progress](t, body)
	require.Len(t, progress.Stages, 3)
	for _, st := range progress.Stages {
		assert.True(t, st.Completed, st.Name)
	}
	require.NotNil(t, progress.Entity.CurrentStage)
	assert.Equal(t, f.stageID["Compensation"], *progress.Entity.CurrentStage)

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/village/stage-update/"+consent.ID, nil, f.guard)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Len(t, decode[domain.Verification](t, body).StatusHistory, 4)
}

func TestFrozenRecordsRejectEditAndDelete(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()
	_, body := f.insert(t, "Survey")
	v := decode[domain.Verification](t, body)

	res, body := doJSON(t, client, http.MethodPut, f.srv.URL+"/v0/village/stage-update/"+v.ID, map[string]any{
		"notes": "corrected",
	}, f.guard)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, "corrected", decode[domain.Verification](t, body).Notes)

	res, body = f.verify(t, bearer(t, "ra-1", auth.RoleRA, true), v.ID, 1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodDelete, f.srv.URL+"/v0/village/stage-update/"+v.ID, nil, f.guard)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	assert.Equal(t, "frozen", decode[errorEnvelope](t, body).Error.Code)

	res, body = f.verify(t, bearer(t, "ro-1", auth.RoleRO, true), v.ID, 1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPut, f.srv.URL+"/v0/village/stage-update/"+v.ID, map[string]any{
		"notes": "too late",
	}, f.admin)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	assert.Equal(t, "frozen", decode[errorEnvelope](t, body).Error.Code)
}

func TestListDefaultsToApproverQueue(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()
	_, body := f.insert(t, "Survey")
	survey := decode[domain.Verification](t, body)
	_, body = f.insert(t, "Consent")
	require.NotEmpty(t, decode[domain.Verification](t, body).ID)
	res, body := f.verify(t, bearer(t, "ra-1", auth.RoleRA, true), survey.ID, 1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	list := func(headers map[string]string, query string) engine.VerificationPage {
		res, body := doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/village/stage-update"+query, nil, headers)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
		return decode[engine.VerificationPage](t, body)
	}

	assert.Equal(t, 2, list(f.guard, "").Total)
	raQueue := list(bearer(t, "ra-1", auth.RoleRA, true), "")
	require.Equal(t, 1, raQueue.Total)
	assert.Equal(t, 1, raQueue.Items[0].Status)
	roQueue := list(bearer(t, "ro-1", auth.RoleRO, true), "")
	require.Equal(t, 1, roQueue.Total)
	assert.Equal(t, survey.ID, roQueue.Items[0].ID)
	assert.Equal(t, 0, list(bearer(t, "dd-1", auth.RoleDD, true), "").Total)
	assert.Equal(t, 2, list(bearer(t, "dd-1", auth.RoleDD, true), "?allStatus=true").Total)
	assert.Equal(t, 1, list(f.guard, "?status=2").Total)

	page := list(f.guard, "?limit=1&page=2")
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, survey.ID, page.Items[0].ID, "newest first, so the older record is on page two")

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/village/stage-update?fromDate=01-01-2024", nil, f.guard)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Equal(t, "validation_error", decode[errorEnvelope](t, body).Error.Code)
}

func TestStageRoutes(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()

	res, body := doJSON(t, client, http.MethodPost, f.srv.URL+"/v0/stages", map[string]any{
		"scope":    "village",
		"name":     "Relocation",
		"position": 1,
		"subStages": []map[string]any{
			{"name": "Shifting"},
			{"name": "Handover"},
		},
	}, f.admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	relocation := decode[domain.Stage](t, body)
	assert.Equal(t, 1, relocation.Position)
	require.Len(t, relocation.SubStages, 2)

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/stages?scope=village", nil, f.guard)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var names []string
	for _, st := range decode[StageList](t, body).Items {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"Survey", "Relocation", "Consent", "Compensation"}, names)

	res, body = doJSON(t, client, http.MethodPut, f.srv.URL+"/v0/stages/"+relocation.ID, map[string]any{
		"name":      "Shift",
		"subStages": []any{},
	}, f.admin)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "validation_error", env.Error.Code)
	assert.Contains(t, env.Error.Details["fields"], "subStages")

	res, body = doJSON(t, client, http.MethodPost, f.srv.URL+"/v0/stages", map[string]any{
		"scope":    "village",
		"name":     "Far",
		"position": 9,
	}, f.admin)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	assert.Equal(t, "invalid_position", decode[errorEnvelope](t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodPost, f.srv.URL+"/v0/stages", map[string]any{
		"scope": "village",
		"name":  "Guarded",
	}, f.guard)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPut, f.srv.URL+"/v0/stages/"+relocation.ID+"/substages/"+relocation.SubStages[1].ID, map[string]any{
		"position": 0,
	}, f.admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, 0, decode[domain.Stage](t, body).Position)

	res, body = doJSON(t, client, http.MethodDelete, f.srv.URL+"/v0/stages/"+relocation.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/stages/"+relocation.ID, nil, f.admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.True(t, decode[domain.Stage](t, body).Deleted)
	res, body = doJSON(t, client, http.MethodDelete, f.srv.URL+"/v0/stages/"+relocation.ID, nil, f.admin)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
}

func TestAPIKeyAndCookiePrincipals(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()
	_, body := f.insert(t, "Survey")
	v := decode[domain.Verification](t, body)

	require.NoError(t, f.srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		UserID:    "ra-9",
		Role:      string(auth.RoleRA),
		Active:    false,
		KeyHash:   repo.HashAPIKey("secret-key"),
		CreatedAt: time.Now().UTC().Format(domain.TimeLayout),
	}))
	res, body := f.verify(t, map[string]string{"X-Api-Key": "secret-key"}, v.ID, 1)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	assert.Equal(t, "not_activated", decode[errorEnvelope](t, body).Error.Code)

	require.NoError(t, f.srv.Engine.Repo.SetAPIKeyActive(context.Background(), "key-1", true))
	res, body = f.verify(t, map[string]string{"X-Api-Key": "secret-key"}, v.ID, 1)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	token, err := SignToken(testSecret, "ro-1", auth.RoleRO, true, time.Hour, time.Now())
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v0/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "ro-1", me.UserID)
	assert.Equal(t, "cookie", me.Source)
	assert.Equal(t, 2, me.RequiredStatus)
}

func TestHousesAndEntities(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()
	res, body := doJSON(t, client, http.MethodPost, f.srv.URL+"/v0/entities", map[string]any{
		"kind":      "family",
		"villageId": "V1",
		"optionId":  "opt1",
	}, f.admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	fam := decode[domain.Entity](t, body)

	res, body = doJSON(t, client, http.MethodPost, f.srv.URL+"/v0/houses", map[string]any{
		"villageId":   "V1",
		"typeId":      "T1",
		"homeDetails": []map[string]any{{"familyId": fam.ID}, {"familyId": "fam_V1_99"}},
	}, f.guard)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, []any{"fam_V1_99"}, decode[errorEnvelope](t, body).Error.Details["ids"])

	res, body = doJSON(t, client, http.MethodPost, f.srv.URL+"/v0/houses", map[string]any{
		"villageId":   "V1",
		"typeId":      "T1",
		"homeDetails": []map[string]any{{"familyId": fam.ID, "mukhiyaName": "Ram"}},
	}, f.guard)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	house := decode[domain.House](t, body)
	require.Len(t, house.Homes, 1)

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/entities?kind=house&parentId="+house.ID, nil, f.guard)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	homes := decode[EntityList](t, body).Items
	require.Len(t, homes, 1)
	assert.Equal(t, house.Homes[0].ID, homes[0].ID)

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/houses/"+house.ID, nil, f.guard)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, house.Homes, decode[domain.House](t, body).Homes)
}

func TestEventsPaginateWithCursor(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()
	f.insert(t, "Survey")

	var seen []int64
	cursor := ""
	for i := 0; i < 10; i++ {
		url := f.srv.URL + "/v0/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, body := doJSON(t, client, http.MethodGet, url, nil, f.admin)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
		page := decode[paginatedEvents](t, body)
		for _, evt := range page.Items {
			seen = append(seen, evt.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	// three stages, one village and one verification
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i-1], seen[i])
	}

	res, body := doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/events?type=verification.insert", nil, f.admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Len(t, decode[paginatedEvents](t, body).Items, 1)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	f := newFixture(t)
	client := f.srv.Client()
	f.insert(t, "Compensation")

	res, body := doJSON(t, client, http.MethodGet, f.srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	text := string(body)
	assert.Contains(t, text, "relocation_operations_total")
	assert.True(t, strings.Contains(text, `outcome="missing_prerequisite"`), text)

	res, body = doJSON(t, client, http.MethodGet, f.srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "bearerAuth")
	assert.Contains(t, string(body), "/v0/{entityType}/stage-update/verify")
}

func TestDevLoginIsOffByDefault(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{"userId": "mallory", "role": "dd"}

	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", body, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "not a public path")

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", body, bearer(t, "fg-1", auth.RoleForestGuard, true))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotContains(t, string(data), "/auth/dev/login")
}

func TestDevLoginMintsTokenWhenEnabled(t *testing.T) {
	srv := newTestServerWithAuth(t, AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour, DevLogin: true})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"userId": "ro-1", "role": "ro"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	login := decode[DevLoginResponse](t, data)
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "ro-1", me.UserID)
	assert.Equal(t, 2, me.RequiredStatus)
}
