package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"amora/internal/types"
)

// --- JSON helper tests ---

func TestJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"plan": "free"}})

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	dataMap, ok := body.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data to be a map, got %T", body.Data)
	}
	if dataMap["plan"] != "free" {
		t.Errorf("expected plan=free, got %v", dataMap["plan"])
	}
}

// --- Error helper tests ---

func TestError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req_abc"))

	Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidKind, "unknown meter kind", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}

	var body APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != string(types.ErrCodeValidationInvalidKind) {
		t.Errorf("code = %s", body.Error.Code)
	}
	if body.Error.RequestID != "req_abc" {
		t.Errorf("request_id = %s, want req_abc", body.Error.RequestID)
	}
}

func TestError_GenericErrorHidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("pq: password authentication failed for user postgres"))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}

	var body APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %s", body.Error.Code)
	}
	if strings.Contains(body.Error.Message, "postgres") {
		t.Error("internal error details leaked to client")
	}
}

// --- DecodeJSON tests ---

type consumeRequest struct {
	Kind string `json:"kind"`
}

func decodeErr(t *testing.T, body string) *types.AppError {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst consumeRequest
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		return nil
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	return appErr
}

func TestDecodeJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"message"}`))

	var dst consumeRequest
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if dst.Kind != "message" {
		t.Errorf("kind = %s", dst.Kind)
	}
}

func TestDecodeJSON_Failures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", `{"kind":`},
		{"unknown field", `{"kind":"message","sneaky":true}`},
		{"wrong type", `{"kind":123}`},
		{"multiple values", `{"kind":"message"}{"kind":"voice_call"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appErr := decodeErr(t, tc.body)
			if appErr == nil {
				t.Fatal("expected decode error")
			}
			if appErr.Code != errCodeValidationInvalidJSON {
				t.Errorf("code = %s, want %s", appErr.Code, errCodeValidationInvalidJSON)
			}
			if appErr.HTTPStatus() != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", appErr.HTTPStatus())
			}
		})
	}
}
