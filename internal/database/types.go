package database

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// VectorDim is the length of every face embedding the store accepts.
const VectorDim = 512

// Vector is a face embedding of exactly VectorDim elements.
// The zero value is not a valid vector; use NewVector.
type Vector struct {
	data []float32
}

// NewVector validates the length of data and returns a Vector holding a copy of it.
func NewVector(data []float32) (Vector, error) {
	if len(data) != VectorDim {
		return Vector{}, fmt.Errorf("%w: got %d elements", ErrVectorSize, len(data))
	}
	cp := make([]float32, VectorDim)
	copy(cp, data)
	return Vector{data: cp}, nil
}

// MustVector is NewVector for inputs known to be valid. It panics otherwise.
func MustVector(data []float32) Vector {
	v, err := NewVector(data)
	if err != nil {
		panic(err)
	}
	return v
}

// Slice returns the elements of the vector. Callers must not modify the result.
func (v Vector) Slice() []float32 {
	return v.data
}

// IsZero reports whether v was never initialized.
func (v Vector) IsZero() bool {
	return v.data == nil
}

// MarshalJSON encodes the vector as a plain JSON array.
func (v Vector) MarshalJSON() ([]byte, error) {
	if v.data == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v.data)
	if err != nil {
		return nil, fmt.Errorf("marshal vector: %w", err)
	}
	return data, nil
}

// Account is a registered identity.
type Account struct {
	ID             string
	Username       string
	CredentialHash string // bcrypt hash, empty when password login is disabled
	IsPrivileged   bool
	CreatedAt      time.Time
	Vectors        []VectorRecord
}

// VectorRecord is one enrolled face embedding owned by an account.
type VectorRecord struct {
	ID        string
	OwnerID   string
	Vector    Vector
	CreatedAt time.Time

	// Similarity is the L2 distance to the last query vector. Set only by a
	// diagnostic pass, never persisted.
	Similarity *float64
}

// NewAccount describes an account to be created together with its vectors.
type NewAccount struct {
	Username       string
	CredentialHash string
	IsPrivileged   bool
	Vectors        []Vector
}

// AccountSelector picks an account by ID or by username. Exactly one field
// must be set; anything else selects nothing.
type AccountSelector struct {
	ID       string
	Username string
}

// Valid reports whether exactly one selector field is set.
func (s AccountSelector) Valid() bool {
	return (s.ID == "") != (s.Username == "")
}

// AccountUpdate describes a partial account modification.
type AccountUpdate struct {
	ID       string
	Username *string

	// ReplaceVectors replaces the whole vector set with Vectors. An empty
	// Vectors slice clears the set.
	ReplaceVectors bool
	Vectors        []Vector
}

// VectorStats summarizes the vector table for index staleness checks.
type VectorStats struct {
	Count    int64
	LatestID string
}

// Bytes encodes the vector as little-endian float32 values, the layout used
// by the MariaDB VECTOR type and sqlite-vec.
func (v Vector) Bytes() []byte {
	out := make([]byte, 4*len(v.data))
	for i, f := range v.data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// VectorFromBytes decodes a little-endian float32 blob written by Bytes.
func VectorFromBytes(b []byte) (Vector, error) {
	if len(b)%4 != 0 {
		return Vector{}, fmt.Errorf("%w: blob of %d bytes", ErrVectorSize, len(b))
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return NewVector(data)
}
