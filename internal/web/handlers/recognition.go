package handlers

import (
	"net/http"

	"github.com/kozaktomas/faceid/internal/identity"
)

// RecognitionHandler turns uploaded images into embeddings.
type RecognitionHandler struct {
	auth *identity.Authenticator
}

// NewRecognitionHandler creates a new recognition handler.
func NewRecognitionHandler(auth *identity.Authenticator) *RecognitionHandler {
	return &RecognitionHandler{auth: auth}
}

// EmbeddingResponse carries one face embedding.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed extracts the embedding of the most prominent face in the uploaded
// image, ready to be sent back for registration or face login.
func (h *RecognitionHandler) Embed(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(w, r)
	if err != nil {
		respondRequestError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	embedding, err := h.auth.Extract(r.Context(), image)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, EmbeddingResponse{Embedding: embedding})
}
