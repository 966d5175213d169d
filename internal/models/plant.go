package models

import (
	"strings"
	"time"
)

// Image source kinds, in the order they are normally offered.
const (
	SourceReference = "reference" // reference photo suggested by the identification call
	SourceThumbnail = "thumbnail"
	SourceUpload    = "upload" // the user-submitted photo, always renderable
)

// ImageCandidate is one renderable image source for a record.
type ImageCandidate struct {
	SourceKind string `json:"source_kind"`
	URL        string `json:"url"`
}

// Nutrients holds the descriptive nutrition fields of an edible plant.
type Nutrients struct {
	Vitamins string `json:"vitamins"`
	Minerals string `json:"minerals"`
	Proteins string `json:"proteins"`
}

// HealthHint is a short labelled health benefit.
type HealthHint struct {
	Label string `json:"label"`
	Desc  string `json:"desc"`
}

// Video is an instructional video attached to a record.
type Video struct {
	Title               string           `json:"title"`
	Channel             string           `json:"channel"`
	Link                string           `json:"link"`
	Duration            string           `json:"duration,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	VideoID             string           `json:"video_id,omitempty"`
	Thumbnail           string           `json:"thumbnail,omitempty"`
	ThumbnailCandidates []ImageCandidate `json:"thumbnail_candidates,omitempty"`
}

// IdentificationRecord is the result of identifying a plant from a photo.
// Nutrients, HealthHints and Videos are only set once they passed validation.
type IdentificationRecord struct {
	ID              string           `json:"id"`
	ScientificName  string           `json:"scientific_name"`
	CommonName      string           `json:"common_name"`
	ConfidenceScore float64          `json:"confidence_score"` // [0,1]
	IsEdible        bool             `json:"is_edible"`
	Description     string           `json:"description"`
	FunFact         string           `json:"fun_fact"`
	VisualFeatures  []string         `json:"visual_features,omitempty"`
	Nutrients       *Nutrients       `json:"nutrients,omitempty"`
	HealthHints     []HealthHint     `json:"health_hints,omitempty"`
	Videos          []Video          `json:"videos,omitempty"`
	ImageCandidates []ImageCandidate `json:"image_candidates"`
	CreatedAt       time.Time        `json:"created_at"`
}

// DisplayName returns the common name, falling back to the scientific name.
func (r *IdentificationRecord) DisplayName() string {
	if name := strings.TrimSpace(r.CommonName); name != "" {
		return name
	}
	return strings.TrimSpace(r.ScientificName)
}

// HistoryEntry is the persisted projection of a record in the recent-history list.
type HistoryEntry struct {
	Name     string    `json:"name"`
	ImageRef string    `json:"image_ref"`
	Date     time.Time `json:"date"`
	IsEdible bool      `json:"is_edible"`
}
