package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/database/mock"
	"github.com/kozaktomas/faceid/internal/identity"
	"github.com/kozaktomas/faceid/internal/logging"
	"github.com/kozaktomas/faceid/internal/web/middleware"
)

const testThreshold = 1.2

// fakeExtractor returns a fixed embedding or error for any image.
type fakeExtractor struct {
	embedding []float32
	err       error
	images    int
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	f.images++
	return f.embedding, f.err
}

// testEnv wires real identity services over the in-memory store.
type testEnv struct {
	store     *mock.Store
	accounts  *identity.AccountService
	auth      *identity.Authenticator
	sessions  *middleware.SessionManager
	extractor *fakeExtractor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := mock.NewStore()
	logger := logging.Discard()
	sessions := middleware.NewSessionManager("test-secret", time.Hour, nil, logger)
	t.Cleanup(sessions.Stop)

	accounts := identity.NewAccountService(store, identity.NewBcryptHasher(4), logger)
	extractor := &fakeExtractor{}
	auth := identity.NewAuthenticator(
		accounts,
		identity.NewMatcher(store, store),
		sessions,
		extractor,
		identity.AuthConfig{Threshold: testThreshold, Diagnostics: true},
		logger,
	)
	return &testEnv{
		store:     store,
		accounts:  accounts,
		auth:      auth,
		sessions:  sessions,
		extractor: extractor,
	}
}

// addAccount stores an account directly, bypassing registration.
func (e *testEnv) addAccount(t *testing.T, username string, privileged bool, vectors ...[]float32) *database.Account {
	t.Helper()
	vs, err := identity.NewVectors(vectors)
	if err != nil {
		t.Fatalf("invalid test vectors: %v", err)
	}
	acc, err := e.store.Add(context.Background(), database.NewAccount{
		Username:     username,
		IsPrivileged: privileged,
		Vectors:      vs,
	})
	if err != nil {
		t.Fatalf("failed to add account: %v", err)
	}
	return acc
}

// asAccount puts a session for accountID into the request context, as
// RequireAuth would.
func asAccount(r *http.Request, accountID string) *http.Request {
	session := &middleware.Session{ID: "test-session", AccountID: accountID}
	return r.WithContext(middleware.SetSessionInContext(r.Context(), session))
}

// embedding returns a deterministic 512-element vector derived from seed.
func embedding(seed float64) []float32 {
	out := make([]float32, database.VectorDim)
	for i := range out {
		out[i] = float32(math.Sin(seed + float64(i)*0.37))
	}
	return out
}

func shifted(v []float32, delta float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] + delta
	}
	return out
}

// jsonRequest creates a request with a JSON body.
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// imageRequest creates a multipart request with image as the image field.
func imageRequest(t *testing.T, path string, image []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "face.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write(image)
	mw.Close()

	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks the error code and that the message is the fixed
// text for it.
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	var result ErrorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result.Error != expectedCode {
		t.Errorf("expected error '%s', got '%s'", expectedCode, result.Error)
	}
	if result.Message == "" {
		t.Error("expected a message")
	}
}
