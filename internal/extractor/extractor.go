// Package extractor talks to the face embedding server that turns an image
// into a 512-dimensional face signature.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/database"
)

const (
	defaultURL      = "http://localhost:8000"
	maxResponseSize = 1 << 20
)

var (
	// ErrBadImage means the upload is not a decodable image.
	ErrBadImage = errors.New("unsupported or corrupt image")
	// ErrNoFace means the server found no face in the image.
	ErrNoFace = errors.New("no face detected")
	// ErrUpstream means the embedding server failed or answered garbage.
	ErrUpstream = errors.New("embedding server error")
)

// Client computes face embeddings using the embedding server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client from configuration.
func New(cfg config.ExtractorConfig) *Client {
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Face is a single detected face.
type Face struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse is the body returned by POST /embed/face.
type FaceResponse struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
	Model      string `json:"model"`
}

// SniffImage checks that data decodes as a supported image and returns its
// format name (jpeg, png, gif, bmp or webp).
func SniffImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrBadImage
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return "", fmt.Errorf("%w: empty image", ErrBadImage)
	}
	return format, nil
}

// Faces posts the image to the server and returns every detected face.
func (c *Client) Faces(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	format, err := SniffImage(imageData)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="image.%s"`, format))
	h.Set("Content-Type", "image/"+format)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/face", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: request failed: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: server rejected image (status %d): %s", ErrBadImage, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, string(body))
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrUpstream, err)
	}
	return &faceResp, nil
}

// Extract returns the embedding of the most confidently detected face.
// Faces whose embedding is not VectorDim long are ignored.
func (c *Client) Extract(ctx context.Context, imageData []byte) ([]float32, error) {
	resp, err := c.Faces(ctx, imageData)
	if err != nil {
		return nil, err
	}

	var best *Face
	wrongDim := 0
	for i := range resp.Faces {
		f := &resp.Faces[i]
		if len(f.Embedding) == 0 {
			continue
		}
		if len(f.Embedding) != database.VectorDim {
			wrongDim = len(f.Embedding)
			continue
		}
		if best == nil || f.DetScore > best.DetScore {
			best = f
		}
	}
	if best == nil {
		if wrongDim > 0 {
			return nil, fmt.Errorf("%w: embedding has %d elements, want %d", ErrUpstream, wrongDim, database.VectorDim)
		}
		return nil, ErrNoFace
	}
	return best.Embedding, nil
}
