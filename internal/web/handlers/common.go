package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/identity"
)

const (
	maxJSONBody  = 4 << 20
	maxImageBody = 16 << 20

	// imageField is the multipart field carrying an uploaded image.
	imageField = "image"
)

// Request-level failures that never reach the identity layer.
const (
	errInvalidRequest = "invalid_request"
	errForbidden      = "forbidden"
)

var requestMessages = map[string]string{
	errInvalidRequest: "invalid request",
	errForbidden:      "this operation requires a privileged account",
}

var kindStatus = map[identity.Kind]int{
	identity.KindInvalidVector:      http.StatusBadRequest,
	identity.KindInvalidUsername:    http.StatusBadRequest,
	identity.KindInvalidPassword:    http.StatusBadRequest,
	identity.KindUsernameTaken:      http.StatusConflict,
	identity.KindInvalidCredentials: http.StatusUnauthorized,
	identity.KindNoMatch:            http.StatusUnauthorized,
	identity.KindNotFound:           http.StatusNotFound,
	identity.KindStorage:            http.StatusServiceUnavailable,
	identity.KindExtraction:         http.StatusUnprocessableEntity,
	identity.KindInternal:           http.StatusInternalServerError,
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind identity.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError sends the kind and fixed message for err. Nothing else about
// err reaches the client.
func respondError(w http.ResponseWriter, err error) {
	kind := identity.KindOf(err)
	respondJSON(w, statusFor(kind), ErrorResponse{
		Error:   string(kind),
		Message: identity.Message(kind),
	})
}

// respondRequestError sends a failure detected before any identity call.
func respondRequestError(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: requestMessages[code]})
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// readImage returns the bytes of the uploaded image field.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBody)
	if err := r.ParseMultipartForm(maxImageBody); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	file, _, err := r.FormFile(imageField)
	if err != nil {
		return nil, fmt.Errorf("read %s field: %w", imageField, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

// VectorResponse is one enrolled face vector.
type VectorResponse struct {
	ID         string           `json:"id"`
	CreatedAt  time.Time        `json:"created_at"`
	Embedding  *database.Vector `json:"embedding,omitempty"`
	Similarity *float64         `json:"similarity,omitempty"`
}

// AccountResponse is the public view of an account. The credential hash is
// never included.
type AccountResponse struct {
	ID           string           `json:"id"`
	Username     string           `json:"username"`
	IsPrivileged bool             `json:"is_privileged"`
	CreatedAt    time.Time        `json:"created_at"`
	Vectors      []VectorResponse `json:"vectors,omitempty"`
}

func accountSummary(acc *database.Account) AccountResponse {
	return AccountResponse{
		ID:           acc.ID,
		Username:     acc.Username,
		IsPrivileged: acc.IsPrivileged,
		CreatedAt:    acc.CreatedAt,
	}
}

// accountDetail includes the vectors. Embeddings are only echoed back when
// withEmbeddings is set.
func accountDetail(acc *database.Account, withEmbeddings bool) AccountResponse {
	resp := accountSummary(acc)
	resp.Vectors = make([]VectorResponse, 0, len(acc.Vectors))
	for _, rec := range acc.Vectors {
		v := VectorResponse{
			ID:         rec.ID,
			CreatedAt:  rec.CreatedAt,
			Similarity: rec.Similarity,
		}
		if withEmbeddings {
			embedding := rec.Vector
			v.Embedding = &embedding
		}
		resp.Vectors = append(resp.Vectors, v)
	}
	return resp
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
