package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cerina/foundry/protocol"
	"github.com/cerina/foundry/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDomainError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", protocol.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"wrapped not found", errors.Join(errors.New("ctx"), protocol.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"not awaiting approval", workflow.ErrNotAwaitingApproval, http.StatusConflict, CodeConflict},
		{"already terminal", workflow.ErrAlreadyTerminal, http.StatusConflict, CodeConflict},
		{"already running", workflow.ErrAlreadyRunning, http.StatusConflict, CodeConflict},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteDomainError(rec, tt.err, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeResponse(t, rec)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

// 内部错误细节不得出现在响应体里
func TestWriteDomainError_DoesNotLeakInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, errors.New("pq: password authentication failed"), nil)

	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestDecodeJSONBody_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"known": 1, "sneaky": 2}`))
	rec := httptest.NewRecorder()

	var dst struct {
		Known int `json:"known"`
	}
	ok := DecodeJSONBody(rec, req, &dst, nil)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteJSON_SetsSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, map[string]string{"ok": "yes"})

	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestResponseWriter_CapturesStatusOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // 第二次调用被忽略

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestResponseWriter_ImplicitOKOnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
