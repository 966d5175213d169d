package ml

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/franckalain/plantdex/internal/imagefallback"
	"github.com/franckalain/plantdex/internal/models"
)

// Identifier identifies a plant from an image.
type Identifier interface {
	Identify(ctx context.Context, image []byte, mimeType string) (*Identification, error)
}

// NutritionLookup fetches an unvalidated nutrition profile for a plant.
// Calls are idempotent.
type NutritionLookup interface {
	LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error)
}

// VideoLookup fetches unvalidated video suggestions, most relevant first.
type VideoLookup interface {
	LookupVideos(ctx context.Context, q models.VideoQuery) ([]models.VideoCandidate, error)
}

// Model is an AI backend serving identification and both enrichment lookups.
type Model interface {
	Identifier
	NutritionLookup
	VideoLookup
	// Load initializes the backend. Missing credentials are not a Load error;
	// they surface on the first call.
	Load(ctx context.Context) error
	Close() error
}

// ModelFactory creates a new model instance based on configuration
type ModelFactory interface {
	CreateModel() (Model, error)
}

// NewModel creates a new model instance based on cfg.Type.
func NewModel(cfg Config) (Model, error) {
	var factory ModelFactory
	switch cfg.Type {
	case TypeGoogle:
		factory = NewGoogleModelFactory(cfg)
	case TypeRemote:
		factory = NewRemoteModelFactory(cfg)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", cfg.Type)
	}
	return factory.CreateModel()
}

// Identification is the structured answer of the identification call.
type Identification struct {
	ScientificName string   `json:"scientificName"`
	CommonName     string   `json:"commonName"`
	Confidence     float64  `json:"confidenceScore"`
	IsEdible       bool     `json:"isEdible"`
	Description    string   `json:"description"`
	FunFact        string   `json:"funFact"`
	VisualFeatures []string `json:"visualFeatures,omitempty"`
	ImageURL       string   `json:"imageUrl,omitempty"`
}

func (i *Identification) validate(op string) error {
	i.ScientificName = strings.TrimSpace(i.ScientificName)
	i.CommonName = strings.TrimSpace(i.CommonName)
	if i.ScientificName == "" || i.CommonName == "" {
		return newError(ErrInvalidResponse, op, fmt.Errorf("identification is missing a name"))
	}
	return nil
}

// Record builds the identification record. uploadURL is the user photo and
// is always the last image candidate.
func (i *Identification) Record(uploadURL string, now time.Time) models.IdentificationRecord {
	return models.IdentificationRecord{
		ID:              uuid.NewString(),
		ScientificName:  i.ScientificName,
		CommonName:      i.CommonName,
		ConfidenceScore: NormalizeConfidence(i.Confidence),
		IsEdible:        i.IsEdible,
		Description:     i.Description,
		FunFact:         i.FunFact,
		VisualFeatures:  i.VisualFeatures,
		ImageCandidates: imagefallback.Chain(i.ImageURL, uploadURL),
		CreatedAt:       now,
	}
}

// NormalizeConfidence maps a score reported either in [0,1] or on a 0-100
// scale into [0,1].
func NormalizeConfidence(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	return math.Min(v, 1)
}

// extractJSON strips markdown fences and any prose around the first JSON
// object or array in s.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closing := byte('}')
	if s[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(s, closing)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
