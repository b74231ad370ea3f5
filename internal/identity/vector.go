package identity

import (
	"fmt"

	"github.com/kozaktomas/faceid/internal/database"
)

// NewVectors validates raw embeddings. A nil input stays nil so that
// updates can tell "leave alone" from "clear".
func NewVectors(raw [][]float32) ([]database.Vector, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]database.Vector, 0, len(raw))
	for i, r := range raw {
		v, err := database.NewVector(r)
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
