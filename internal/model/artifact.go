package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/opensource-finance/kestrel/internal/features"
)

// Artifact loading errors. Both belong to the configuration error family.
var (
	ErrArtifactNotFound = errors.New("model artifact not found")
	ErrArtifactInvalid  = errors.New("model artifact invalid")
)

// Explain targets.
const (
	TargetBoosted  = KindBoosted
	TargetEnsemble = "ensemble"
)

// Reason maps one feature to the sentence shown to a customer.
type Reason struct {
	Feature string `json:"feature"`
	Text    string `json:"reason"`
}

// Artifact is the on-disk form of a trained ensemble.
type Artifact struct {
	Version       string            `json:"version"`
	Columns       features.Columns  `json:"columns"`
	Threshold     *float64          `json:"threshold,omitempty"`
	Weights       []float64         `json:"weights,omitempty"`
	ExplainTarget string            `json:"explain_target,omitempty"`
	Mappings      map[string]string `json:"mappings,omitempty"`
	Reasons       []Reason          `json:"reasons,omitempty"`
	Background    []float64         `json:"background,omitempty"`

	KNN     *KNNSpec     `json:"knn"`
	Forest  *ForestSpec  `json:"forest"`
	Boosted *BoostedSpec `json:"boosted"`

	path     string
	ensemble *Ensemble
}

// Resolver locates the artifact file.
type Resolver interface {
	Resolve() (string, error)
}

// CandidatePaths tries the path in the Env variable first, then Paths in
// order, and returns the first that exists.
type CandidatePaths struct {
	Env   string
	Paths []string
}

// Resolve implements Resolver.
func (c CandidatePaths) Resolve() (string, error) {
	var tried []string
	if c.Env != "" {
		if p := os.Getenv(c.Env); p != "" {
			if isFile(p) {
				return p, nil
			}
			tried = append(tried, p)
		}
	}
	for _, p := range c.Paths {
		if p == "" {
			continue
		}
		if isFile(p) {
			return p, nil
		}
		tried = append(tried, p)
	}
	return "", fmt.Errorf("%w: tried [%s]", ErrArtifactNotFound, strings.Join(tried, ", "))
}

// File resolves to a single fixed path.
type File string

// Resolve implements Resolver.
func (f File) Resolve() (string, error) {
	if !isFile(string(f)) {
		return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, string(f))
	}
	return string(f), nil
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Load resolves, reads, validates and builds the artifact.
func Load(r Resolver) (*Artifact, error) {
	path, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.path = path
	return a, nil
}

// Parse decodes and validates an artifact held in memory.
func Parse(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	if err := a.build(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	return &a, nil
}

func (a *Artifact) build() error {
	if a.Version == "" {
		return errors.New("missing version")
	}
	if err := a.Columns.Validate(); err != nil {
		return err
	}
	width := len(a.Columns)

	if a.Threshold != nil && (math.IsNaN(*a.Threshold) || math.IsInf(*a.Threshold, 0)) {
		return errors.New("threshold must be finite")
	}
	switch a.ExplainTarget {
	case "":
		a.ExplainTarget = TargetBoosted
	case TargetBoosted, TargetEnsemble:
	default:
		return fmt.Errorf("unknown explain_target %q", a.ExplainTarget)
	}
	if a.Background != nil && len(a.Background) != width {
		return fmt.Errorf("background has %d values, want %d", len(a.Background), width)
	}
	for i, r := range a.Reasons {
		if r.Feature == "" || r.Text == "" {
			return fmt.Errorf("reason %d is incomplete", i)
		}
	}

	if a.KNN == nil || a.Forest == nil || a.Boosted == nil {
		return errors.New("knn, forest and boosted bodies are all required")
	}
	knn, err := NewKNN(*a.KNN, width)
	if err != nil {
		return err
	}
	forest, err := NewForest(*a.Forest, width)
	if err != nil {
		return err
	}
	boosted, err := NewBoosted(*a.Boosted, width)
	if err != nil {
		return err
	}

	a.ensemble = NewEnsemble(a.Version, width, knn, forest, boosted)
	return nil
}

// Ensemble returns the handles built from the artifact, in weight order.
func (a *Artifact) Ensemble() *Ensemble {
	return a.ensemble
}

// Path returns the file the artifact was loaded from, if any.
func (a *Artifact) Path() string {
	return a.path
}
