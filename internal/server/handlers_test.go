package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpress/internal/config"
	"coinpress/internal/model"
	"coinpress/internal/repository"
	"coinpress/internal/service"
)

// fakeAPI implements SessionAPI with canned responses per method.
type fakeAPI struct {
	startErr  error
	pressErr  error
	settleErr error
	getErr    error

	session *model.GameSession
	result  *service.SettleResult

	gotMachineID int64
	gotButton    int
	gotCount     int
}

func (f *fakeAPI) Start(_ context.Context, machineID int64) (*model.GameSession, error) {
	f.gotMachineID = machineID
	return f.session, f.startErr
}

func (f *fakeAPI) RecordPress(_ context.Context, _ uuid.UUID, button, pressCount int) (*model.GameSession, error) {
	f.gotButton = button
	f.gotCount = pressCount
	if f.pressErr != nil {
		return nil, f.pressErr
	}
	return f.session, nil
}

func (f *fakeAPI) Settle(_ context.Context, _ uuid.UUID) (*service.SettleResult, error) {
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return f.result, nil
}

func (f *fakeAPI) Get(_ context.Context, _ uuid.UUID) (*model.GameSession, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.session, nil
}

func newTestServer(api SessionAPI) http.Handler {
	cfg := &config.ServerConfig{Addr: ":0"}
	return New(cfg, api, zerolog.Nop()).http.Handler
}

func testSession() *model.GameSession {
	return &model.GameSession{
		ID:        uuid.New(),
		MachineID: 1,
		Status:    model.SessionActive,
	}
}

func TestStartSession(t *testing.T) {
	api := &fakeAPI{session: testSession()}
	h := newTestServer(api)

	req := httptest.NewRequest(http.MethodPost, "/machines/42/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(42), api.gotMachineID)

	var got model.GameSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, api.session.ID, got.ID)
}

func TestStartSessionBadMachineID(t *testing.T) {
	h := newTestServer(&fakeAPI{})

	req := httptest.NewRequest(http.MethodPost, "/machines/abc/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordPress(t *testing.T) {
	api := &fakeAPI{session: testSession()}
	h := newTestServer(api)

	body := bytes.NewBufferString(`{"pressCount": 5}`)
	req := httptest.NewRequest(http.MethodPut, "/sessions/"+uuid.NewString()+"/presses/3", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, api.gotButton)
	assert.Equal(t, 5, api.gotCount)
}

func TestRecordPressBadBody(t *testing.T) {
	h := newTestServer(&fakeAPI{session: testSession()})

	body := bytes.NewBufferString(`not json`)
	req := httptest.NewRequest(http.MethodPut, "/sessions/"+uuid.NewString()+"/presses/3", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionBadID(t *testing.T) {
	h := newTestServer(&fakeAPI{})

	req := httptest.NewRequest(http.MethodGet, "/sessions/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestErrorStatusMapping tests the service-error to HTTP-status mapping on
// the settle endpoint, which can surface every error class.
func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"session not found", repository.ErrSessionNotFound, http.StatusNotFound},
		{"machine not found", repository.ErrMachineNotFound, http.StatusNotFound},
		{"already settled", service.ErrAlreadySettled, http.StatusConflict},
		{"session not active", service.ErrSessionNotActive, http.StatusConflict},
		{"machine not active", service.ErrMachineNotActive, http.StatusConflict},
		{"insufficient funds", service.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{"unexpected", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeAPI{settleErr: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/sessions/"+uuid.NewString()+"/settle", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Equal(t, "internal error", resp.Error, "internal details must not leak")
			}
		})
	}
}

func TestSettleSuccess(t *testing.T) {
	sess := testSession()
	sess.Status = model.SessionCompleted
	api := &fakeAPI{result: &service.SettleResult{
		Session:      sess,
		UnusedAmount: 9,
		BalanceAfter: 990,
	}}
	h := newTestServer(api)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID.String()+"/settle", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var got service.SettleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(990), got.BalanceAfter)
	assert.Equal(t, int64(9), got.UnusedAmount)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(&fakeAPI{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
