package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/extractor"
)

func TestAuthHandler_Register_Success(t *testing.T) {
	env := newTestEnv(t)
	handler := NewAuthHandler(env.auth)

	req := jsonRequest(t, "POST", "/api/v1/auth/register", map[string]any{
		"username": "alice",
		"password": "s3cret",
		"vectors":  [][]float32{embedding(1)},
	})
	recorder := httptest.NewRecorder()
	handler.Register(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)
	assertContentType(t, recorder, "application/json")

	var response RegisterResponse
	parseJSONResponse(t, recorder, &response)
	if response.ID == "" {
		t.Error("expected id to be set")
	}
	if response.TokenType != "Bearer" {
		t.Errorf("expected token_type Bearer, got %q", response.TokenType)
	}

	session, err := env.sessions.Validate(req.Context(), response.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if session.AccountID != response.ID {
		t.Errorf("token belongs to %s, want %s", session.AccountID, response.ID)
	}
}

func TestAuthHandler_Register_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantError  string
	}{
		{
			name:       "short vector",
			body:       map[string]any{"username": "bob", "vectors": [][]float32{{1, 2, 3}}},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_vector",
		},
		{
			name:       "bad username",
			body:       map[string]any{"username": "bob smith"},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_username",
		},
		{
			name:       "empty username",
			body:       map[string]any{"username": ""},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_username",
		},
		{
			name:       "password too long",
			body:       map[string]any{"username": "bob", "password": strings.Repeat("x", 73)},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_password",
		},
		{
			name:       "taken",
			body:       map[string]any{"username": "alice"},
			wantStatus: http.StatusConflict,
			wantError:  "username_taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.addAccount(t, "alice", false)
			handler := NewAuthHandler(env.auth)

			recorder := httptest.NewRecorder()
			handler.Register(recorder, jsonRequest(t, "POST", "/api/v1/auth/register", tt.body))

			assertStatusCode(t, recorder, tt.wantStatus)
			assertJSONError(t, recorder, tt.wantError)
		})
	}
}

func TestAuthHandler_Register_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	handler := NewAuthHandler(env.auth)

	req := httptest.NewRequest("POST", "/api/v1/auth/register", bytes.NewBufferString("{not json"))
	recorder := httptest.NewRecorder()
	handler.Register(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequest)
	if env.store.Calls["Add"] != 0 {
		t.Error("store should not be called for a malformed body")
	}
}

func TestAuthHandler_Login(t *testing.T) {
	env := newTestEnv(t)
	handler := NewAuthHandler(env.auth)

	register := httptest.NewRecorder()
	handler.Register(register, jsonRequest(t, "POST", "/api/v1/auth/register", map[string]any{
		"username": "alice",
		"password": "s3cret",
	}))
	assertStatusCode(t, register, http.StatusCreated)

	t.Run("success", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handler.Login(recorder, jsonRequest(t, "POST", "/api/v1/auth/login", map[string]string{
			"username": "alice",
			"password": "s3cret",
		}))

		assertStatusCode(t, recorder, http.StatusOK)
		var response TokenResponse
		parseJSONResponse(t, recorder, &response)
		if response.Token == "" {
			t.Error("expected token to be set")
		}
	})

	// Wrong password and unknown user must be indistinguishable.
	var bodies []string
	for _, creds := range []map[string]string{
		{"username": "alice", "password": "wrong"},
		{"username": "mallory", "password": "s3cret"},
	} {
		recorder := httptest.NewRecorder()
		handler.Login(recorder, jsonRequest(t, "POST", "/api/v1/auth/login", creds))

		assertStatusCode(t, recorder, http.StatusUnauthorized)
		assertJSONError(t, recorder, "invalid_credentials")
		bodies = append(bodies, recorder.Body.String())
	}
	if bodies[0] != bodies[1] {
		t.Errorf("credential failures differ:\n%s\n%s", bodies[0], bodies[1])
	}
}

func TestAuthHandler_Face_Vector(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addAccount(t, "alice", false, embedding(7))
	handler := NewAuthHandler(env.auth)

	t.Run("match", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handler.Face(recorder, jsonRequest(t, "POST", "/api/v1/auth/face", map[string]any{
			"vector": embedding(7),
		}))

		assertStatusCode(t, recorder, http.StatusOK)
		var response AccountResponse
		parseJSONResponse(t, recorder, &response)
		if response.ID != alice.ID || response.Username != "alice" {
			t.Errorf("matched %s (%s), want alice", response.Username, response.ID)
		}
		if len(response.Vectors) != 1 {
			t.Fatalf("expected 1 vector, got %d", len(response.Vectors))
		}
		if sim := response.Vectors[0].Similarity; sim == nil || *sim != 0 {
			t.Errorf("expected similarity 0, got %v", sim)
		}
		if response.Vectors[0].Embedding != nil {
			t.Error("face login must not echo embeddings")
		}
	})

	t.Run("too far", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handler.Face(recorder, jsonRequest(t, "POST", "/api/v1/auth/face", map[string]any{
			"vector": shifted(embedding(7), 10),
		}))

		assertStatusCode(t, recorder, http.StatusUnauthorized)
		assertJSONError(t, recorder, "no_match")
	})

	t.Run("wrong length", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handler.Face(recorder, jsonRequest(t, "POST", "/api/v1/auth/face", map[string]any{
			"vector": []float32{1, 2},
		}))

		assertStatusCode(t, recorder, http.StatusBadRequest)
		assertJSONError(t, recorder, "invalid_vector")
	})

	t.Run("storage down", func(t *testing.T) {
		env.store.NearestError = database.StorageFault("nearest", database.ErrStorage)
		defer func() { env.store.NearestError = nil }()

		recorder := httptest.NewRecorder()
		handler.Face(recorder, jsonRequest(t, "POST", "/api/v1/auth/face", map[string]any{
			"vector": embedding(7),
		}))

		assertStatusCode(t, recorder, http.StatusServiceUnavailable)
		assertJSONError(t, recorder, "storage_unavailable")
	})
}

func TestAuthHandler_Face_Image(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "alice", false, embedding(7))
	handler := NewAuthHandler(env.auth)

	t.Run("match", func(t *testing.T) {
		env.extractor.embedding, env.extractor.err = embedding(7), nil
		recorder := httptest.NewRecorder()
		handler.Face(recorder, imageRequest(t, "/api/v1/auth/face", []byte("png bytes")))

		assertStatusCode(t, recorder, http.StatusOK)
		var response AccountResponse
		parseJSONResponse(t, recorder, &response)
		if response.Username != "alice" {
			t.Errorf("expected alice, got %q", response.Username)
		}
	})

	t.Run("no face", func(t *testing.T) {
		env.extractor.embedding, env.extractor.err = nil, extractor.ErrNoFace
		recorder := httptest.NewRecorder()
		handler.Face(recorder, imageRequest(t, "/api/v1/auth/face", []byte("png bytes")))

		assertStatusCode(t, recorder, http.StatusUnprocessableEntity)
		assertJSONError(t, recorder, "extraction_failed")
	})

	t.Run("missing image field", func(t *testing.T) {
		images := env.extractor.images
		req := httptest.NewRequest("POST", "/api/v1/auth/face", strings.NewReader("--x--\r\n"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		recorder := httptest.NewRecorder()
		handler.Face(recorder, req)

		assertStatusCode(t, recorder, http.StatusBadRequest)
		assertJSONError(t, recorder, errInvalidRequest)
		if env.extractor.images != images {
			t.Error("extractor should not run without an image")
		}
	})
}
