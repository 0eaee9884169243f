// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	store    *MemStore
	platform *stubPlatform
	service  *SyncService
	auth     *JWTAuth
	server   *httptest.Server
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := NewMemStore()
	platform := newStubPlatform()
	platform.listings["/page1"] = listingPageHTML(listingCardHTML("a", "Heart"))
	platform.details["/detail/a"] = detailPageHTML("a", "Heart", 100)

	service := NewSyncService(store, platform, nil, nil, fastConfig("/page1"), nil)
	t.Cleanup(service.Close)

	jwtAuth := NewJWTAuth("test-secret")
	handlers := NewHTTPHandlers(service, store, jwtAuth, nil, nil)
	router := chi.NewRouter()
	handlers.Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &handlerFixture{
		store:    store,
		platform: platform,
		service:  service,
		auth:     jwtAuth,
		server:   srv,
	}
}

func (fx *handlerFixture) adminRequest(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	token, err := fx.auth.GenerateToken("admin-1", time.Hour)
	require.NoError(t, err)

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, fx.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandleHealth(t *testing.T) {
	fx := newHandlerFixture(t)
	resp, err := http.Get(fx.server.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
}

func TestAdminEndpointsRequireBearerToken(t *testing.T) {
	fx := newHandlerFixture(t)

	resp, err := http.Post(fx.server.URL+"/admin/sync/start", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[errorResponse](t, resp)
	require.Equal(t, "authentication_failed", body.Error)

	req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/admin/sync/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartSyncEndToEnd(t *testing.T) {
	fx := newHandlerFixture(t)

	resp := fx.adminRequest(t, http.MethodPost, "/admin/sync/start", `{"sync_type":"new"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[startSyncResponse](t, resp)
	require.NotEmpty(t, started.SyncJobID)

	job := waitForTerminal(t, fx.service, started.SyncJobID)
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, "admin-1", job.CreatedBy)

	resp = fx.adminRequest(t, http.MethodGet, "/admin/sync/jobs/"+started.SyncJobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeBody[SyncJob](t, resp)
	require.Equal(t, started.SyncJobID, fetched.ID)
	require.Equal(t, JobCompleted, fetched.Status)
	require.Equal(t, 1, fetched.SuccessfulItems)
}

func TestStartSyncRejectsUnknownMode(t *testing.T) {
	fx := newHandlerFixture(t)
	resp := fx.adminRequest(t, http.MethodPost, "/admin/sync/start", `{"sync_type":"sideways"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSyncStatusNotFound(t *testing.T) {
	fx := newHandlerFixture(t)
	resp := fx.adminRequest(t, http.MethodGet, "/admin/sync/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRecentSyncJobsLimitValidation(t *testing.T) {
	fx := newHandlerFixture(t)

	resp := fx.adminRequest(t, http.MethodGet, "/admin/sync/jobs?limit=0", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = fx.adminRequest(t, http.MethodGet, "/admin/sync/jobs?limit=101", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = fx.adminRequest(t, http.MethodGet, "/admin/sync/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decodeBody[[]*SyncJob](t, resp)
	require.NotNil(t, jobs)
}

func TestCancelSyncEndpoint(t *testing.T) {
	fx := newHandlerFixture(t)

	resp := fx.adminRequest(t, http.MethodPost, "/admin/sync/jobs/nope/cancel", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleExportCSV(t *testing.T) {
	fx := newHandlerFixture(t)
	f := exportFixture(t)
	created, err := fx.store.CreateFormation(context.Background(), f)
	require.NoError(t, err)

	resp, err := http.Get(fx.server.URL + "/formations/" + created.ID + "/export?format=csv&scale_factor=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "heart-1.csv")
}

func TestHandleExportValidation(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	empty, err := fx.store.CreateFormation(ctx, &Formation{Source: DefaultSource, SourceID: "e1", Name: "Empty"})
	require.NoError(t, err)

	resp, err := http.Get(fx.server.URL + "/formations/" + empty.ID + "/export")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[errorResponse](t, resp)
	require.Equal(t, "no_formation_data", body.Error)

	resp, err = http.Get(fx.server.URL + "/formations/missing/export")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	full, err := fx.store.CreateFormation(ctx, exportFixture(t))
	require.NoError(t, err)
	resp, err = http.Get(fx.server.URL + "/formations/" + full.ID + "/export?scale_factor=-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(fx.server.URL + "/formations/" + full.ID + "/export?format=gif")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJWTAuth_TokenLifecycle(t *testing.T) {
	auth := NewJWTAuth("s3cret")

	token, err := auth.GenerateToken("admin-7", time.Hour)
	require.NoError(t, err)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "admin-7", claims.Subject)
	require.Equal(t, "admin", claims.Role)

	// Expired token is rejected.
	expired, err := auth.GenerateToken("admin-7", -time.Minute)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	require.Error(t, err)

	// Token signed with a different secret is rejected.
	other, err := NewJWTAuth("different").GenerateToken("admin-7", time.Hour)
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	require.Error(t, err)
}
