// Package features turns raw transaction attributes into the fixed-order
// numeric vectors the models were trained on.
package features

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidColumns is returned when a column order cannot be used.
var ErrInvalidColumns = errors.New("invalid feature columns")

// Columns is the ordered feature set of a loaded model artifact.
type Columns []string

// Validate checks that columns are non-empty and unique.
func (c Columns) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidColumns)
	}
	seen := make(map[string]struct{}, len(c))
	for i, name := range c {
		if name == "" {
			return fmt.Errorf("%w: column %d has no name", ErrInvalidColumns, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidColumns, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Index returns the position of name, or -1.
func (c Columns) Index(name string) int {
	for i, n := range c {
		if n == name {
			return i
		}
	}
	return -1
}

// Raw is a mapping of named numeric attributes. It may hold more or fewer
// keys than a model expects.
type Raw map[string]float64

// Vector is an immutable feature vector in column order.
type Vector struct {
	columns Columns
	values  []float64
}

// Build projects raw onto columns. Missing keys become 0 and unknown keys
// are dropped; Build never fails.
func Build(raw Raw, columns Columns) Vector {
	values := make([]float64, len(columns))
	for i, name := range columns {
		values[i] = raw[name]
	}
	return Vector{columns: columns, values: values}
}

// Columns returns the column order of the vector.
func (v Vector) Columns() Columns {
	return v.columns
}

// Values returns a copy of the vector values in column order.
func (v Vector) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}

// Len returns the number of features.
func (v Vector) Len() int {
	return len(v.values)
}

// Get returns the value of a named feature.
func (v Vector) Get(name string) (float64, bool) {
	i := v.columns.Index(name)
	if i < 0 {
		return 0, false
	}
	return v.values[i], true
}

// Map returns the vector as an unordered map.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.values))
	for i, name := range v.columns {
		m[name] = v.values[i]
	}
	return m
}

// Fingerprint identifies the vector exactly, including column names.
func (v Vector) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	for i, name := range v.columns {
		h.Write([]byte(name))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.values[i]))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON encodes the vector as an object whose keys keep column order.
func (v Vector) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, name := range v.columns {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(v.values[i], 'g', -1, 64))
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
