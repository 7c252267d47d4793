package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/google/go-cmp/cmp"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body
}

func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	apiErr := model.NewInvalidCredentialsError()
	want := ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	if diff := cmp.Diff(want, decodeErrorBody(t, w)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteErrorResponse_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "8f9c1f0e-6a7b-4c4d-9e2f-1a2b3c4d5e6f")

	WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewNetworkError())

	if got := decodeErrorBody(t, w).RequestID; got != "8f9c1f0e-6a7b-4c4d-9e2f-1a2b3c4d5e6f" {
		t.Errorf("request_id = %q", got)
	}
}

func TestWriteErrorResponse_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"code", "message", "category", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if _, ok := raw["request_id"]; ok {
		t.Error("request_id should be omitted outside the logging middleware")
	}
	if raw["code"] != model.ErrCodeInternal || raw["category"] != "system" {
		t.Errorf("code/category = %v/%v", raw["code"], raw["category"])
	}
}

func TestStatusForAPIError(t *testing.T) {
	tests := []struct {
		apiErr *model.APIError
		want   int
	}{
		{model.NewInvalidCredentialsError(), http.StatusUnauthorized},
		{model.NewUnauthorizedError(), http.StatusUnauthorized},
		{model.NewSessionExpiredError(), http.StatusUnauthorized},
		{model.NewEmailNotConfirmedError(), http.StatusForbidden},
		{model.NewInvalidEmailError(), http.StatusBadRequest},
		{model.NewProfileNotFoundError(), http.StatusNotFound},
		{model.NewNetworkError(), http.StatusServiceUnavailable},
		{model.NewInternalError(), http.StatusInternalServerError},
		{&model.APIError{Code: "SOMETHING_NEW"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.apiErr.Code, func(t *testing.T) {
			if got := StatusForAPIError(tt.apiErr); got != tt.want {
				t.Errorf("StatusForAPIError(%s) = %d, want %d", tt.apiErr.Code, got, tt.want)
			}
		})
	}
}

func TestWriteDomainError_MapsErrorsToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid credentials", fmt.Errorf("sign in: %w", model.ErrInvalidCredentials), http.StatusUnauthorized, model.ErrCodeInvalidCredentials},
		{"email not confirmed", model.ErrEmailNotConfirmed, http.StatusForbidden, model.ErrCodeEmailNotConfirmed},
		{"network", model.ErrNetwork, http.StatusServiceUnavailable, model.ErrCodeNetwork},
		{"profile not found", model.ErrProfileNotFound, http.StatusNotFound, model.ErrCodeProfileNotFound},
		{"session expired", model.ErrSessionExpired, http.StatusUnauthorized, model.ErrCodeSessionExpired},
		{"invalid email", model.NewInvalidEmailError(), http.StatusBadRequest, model.ErrCodeInvalidEmail},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDomainError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeErrorBody(t, w).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}
