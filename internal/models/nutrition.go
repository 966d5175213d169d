package models

// NutritionQuery identifies the plant a nutrition lookup is made for.
type NutritionQuery struct {
	ScientificName string   `json:"scientific_name"`
	CommonName     string   `json:"common_name"`
	Tags           []string `json:"tags,omitempty"` // optional context tags
}

// NutritionCandidate is an unvalidated nutrition payload as returned by a lookup.
type NutritionCandidate struct {
	Nutrients   Nutrients    `json:"nutrients"`
	HealthHints []HealthHint `json:"health_hints"`
	// Confidence is on a 0-100 scale; nil when the source did not report one.
	Confidence *float64 `json:"confidence,omitempty"`
	Verified   bool     `json:"verified,omitempty"`
}

// NutritionProfile is a nutrition payload that passed validation.
type NutritionProfile struct {
	Nutrients   Nutrients    `json:"nutrients"`
	HealthHints []HealthHint `json:"health_hints"`
	Verified    bool         `json:"verified,omitempty"`
}

// Video lookup contexts.
const (
	VideoContextRecipes = "recipes"
	VideoContextCare    = "care"
)

// VideoQuery describes a video lookup.
type VideoQuery struct {
	PlantName string `json:"plant_name"`
	Context   string `json:"context"`
}

// VideoCandidate is an unvalidated video suggestion.
type VideoCandidate struct {
	Title    string `json:"title"`
	Channel  string `json:"channel"`
	Link     string `json:"link"`
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
