package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relicwatch/models"
	"relicwatch/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStatusUpdater struct {
	gotID     string
	gotStatus models.AlertStatus
	err       error
}

func (f *fakeStatusUpdater) UpdateStatus(_ context.Context, alertID string, status models.AlertStatus, _ time.Time) error {
	f.gotID = alertID
	f.gotStatus = status
	return f.err
}

func putStatus(t *testing.T, h http.Handler, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/alerts/"+id+"/status", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_AlertStatus(t *testing.T) {
	updater := &fakeStatusUpdater{}
	h := NewHTTPServer(":0", updater, nil, nil, zap.NewNop()).Handler()

	rec := putStatus(t, h, "alert-7", `{"status":"RESOLVED"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alert-7", updater.gotID)
	assert.Equal(t, models.AlertResolved, updater.gotStatus)
}

func TestHTTPServer_AlertStatusErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad status", `{"status":"SNOOZED"}`, nil, http.StatusBadRequest},
		{"not found", `{"status":"RESOLVED"}`, ErrAlertNotFound, http.StatusNotFound},
		{"conflict", `{"status":"ACTIVE"}`, ErrDuplicateActiveAlert, http.StatusConflict},
		{"store open", `{"status":"ACTIVE"}`, ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"other", `{"status":"ACTIVE"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHTTPServer(":0", &fakeStatusUpdater{err: tc.err}, nil, nil, zap.NewNop()).Handler()
			rec := putStatus(t, h, "alert-1", tc.body)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestHTTPServer_AlertStatusThroughEngine(t *testing.T) {
	f := newEngineFixture(t, storage.NewMemoryStore(), 0)
	f.observe("S1", 31, fixedNow)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)

	h := NewHTTPServer(":0", f.engine, nil, nil, zap.NewNop()).Handler()
	rec := putStatus(t, h, active[0].ID, `{"status":"RESOLVED"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.engine.ActiveAlerts())

	rec = putStatus(t, h, "unknown", `{"status":"RESOLVED"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPServer_Healthz(t *testing.T) {
	status := HealthStatus{Status: "ok", StoreCircuit: "closed", BufferedReadings: 12}
	h := NewHTTPServer(":0", &fakeStatusUpdater{}, nil, func() HealthStatus { return status }, zap.NewNop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 12, got.BufferedReadings)
	assert.Equal(t, "closed", got.StoreCircuit)

	status.Status = "degraded"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPServer_Metrics(t *testing.T) {
	h := NewHTTPServer(":0", &fakeStatusUpdater{}, nil, nil, zap.NewNop()).Handler()
	MessagesReceived.WithLabelValues("accepted").Add(0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relicwatch_messages_received_total")
}
