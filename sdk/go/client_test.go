package relocationsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySendsCredentialsAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/family/stage-update/verify", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(-1), body["status"])
		json.NewEncoder(w).Encode(map[string]any{"verificationId": body["verificationId"], "status": 1})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	v, err := c.Verify(context.Background(), "family", "VOF_V1_opt1_1", -1, "photo missing")
	require.NoError(t, err)
	assert.Equal(t, "VOF_V1_opt1_1", v.ID)
	assert.Equal(t, 1, v.Status)
}

func TestListVerificationsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("status"))
		assert.Equal(t, "V1", q.Get("villageId"))
		assert.Empty(t, q.Get("stageId"))
		json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "total": 0, "page": 1, "limit": 15})
	}))
	defer srv.Close()

	page, err := New(srv.URL).ListVerifications(context.Background(), "village", ListOptions{VillageID: "V1", Status: 2})
	require.NoError(t, err)
	assert.Equal(t, 15, page.Limit)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"missing_prerequisite","message":"missing prerequisite: [Consent]"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).InsertVerification(context.Background(), "village", "V1", "Stage_3", "", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "missing_prerequisite", apiErr.Code)
}
