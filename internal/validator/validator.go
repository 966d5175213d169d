// Package validator decides whether enrichment payloads returned by the AI
// collaborators are trustworthy enough to show. Every rejection is produced
// by a tagged rule so new heuristics can be added without touching callers.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/franckalain/plantdex/internal/models"
)

// Tag identifies a rejection rule.
type Tag string

const (
	RuleLowConfidence  Tag = "low_confidence"
	RuleMissingField   Tag = "missing_field"
	RuleTooShort       Tag = "too_short"
	RulePlaceholder    Tag = "placeholder_text"
	RuleMissingTitle   Tag = "missing_title"
	RuleMissingChannel Tag = "missing_channel"
	RuleInvalidLink    Tag = "invalid_link"
)

// DefaultBannedPhrases are words that show up when a model returns its
// "thinking" template instead of data.
var DefaultBannedPhrases = []string{
	"analyzing", "analysing", "calculating", "determining", "searching",
	"processing", "unknown", "pending", "loading", "placeholder",
}

// Violation is one failed rule.
type Violation struct {
	Rule   Tag    `json:"rule"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s(%s): %s", v.Rule, v.Field, v.Detail)
}

// Verdict is the outcome of validating one payload.
type Verdict struct {
	Accepted   bool        `json:"accepted"`
	Violations []Violation `json:"violations,omitempty"`
}

// Rules returns the tags of the violations in order.
func (v Verdict) Rules() []Tag {
	tags := make([]Tag, 0, len(v.Violations))
	for _, violation := range v.Violations {
		tags = append(tags, violation.Rule)
	}
	return tags
}

// NutritionRule inspects a nutrition candidate and reports violations.
type NutritionRule struct {
	Tag   Tag
	Check func(c models.NutritionCandidate) []Violation
}

// VideoRule inspects a single video candidate and reports violations.
type VideoRule struct {
	Tag   Tag
	Check func(c models.VideoCandidate) []Violation
}

// Config holds the validator thresholds.
type Config struct {
	MinConfidence  float64 // 0-100 scale
	MinFieldLength int
	MaxVideos      int
	BannedPhrases  []string
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:  60,
		MinFieldLength: 5,
		MaxVideos:      3,
		BannedPhrases:  DefaultBannedPhrases,
	}
}

// Validator applies nutrition and video rules.
type Validator struct {
	cfg            Config
	banned         *regexp.Regexp
	nutritionRules []NutritionRule
	videoRules     []VideoRule
}

// Option customises a Validator.
type Option func(*Validator)

// WithNutritionRule appends a nutrition rule after the built-in ones.
func WithNutritionRule(rule NutritionRule) Option {
	return func(v *Validator) { v.nutritionRules = append(v.nutritionRules, rule) }
}

// WithVideoRule appends a video rule after the built-in ones.
func WithVideoRule(rule VideoRule) Option {
	return func(v *Validator) { v.videoRules = append(v.videoRules, rule) }
}

// New builds a Validator from cfg. Zero-valued thresholds take the defaults.
func New(cfg Config, opts ...Option) *Validator {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MinFieldLength <= 0 {
		cfg.MinFieldLength = def.MinFieldLength
	}
	if cfg.MaxVideos <= 0 {
		cfg.MaxVideos = def.MaxVideos
	}
	if len(cfg.BannedPhrases) == 0 {
		cfg.BannedPhrases = def.BannedPhrases
	}

	v := &Validator{
		cfg:    cfg,
		banned: compileBanned(cfg.BannedPhrases),
	}
	v.nutritionRules = []NutritionRule{
		{Tag: RuleLowConfidence, Check: v.checkConfidence},
		{Tag: RuleMissingField, Check: v.checkMissingFields},
		{Tag: RuleTooShort, Check: v.checkFieldLength},
		{Tag: RulePlaceholder, Check: v.checkPlaceholders},
	}
	v.videoRules = []VideoRule{
		{Tag: RuleMissingTitle, Check: checkTitle},
		{Tag: RuleMissingChannel, Check: checkChannel},
		{Tag: RuleInvalidLink, Check: checkLink},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func compileBanned(phrases []string) *regexp.Regexp {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// ContainsPlaceholder reports whether s matches a banned phrase.
func (v *Validator) ContainsPlaceholder(s string) bool {
	return v.banned.MatchString(s)
}

// ValidateNutrition accepts or rejects a nutrition payload as a whole.
// On rejection the returned profile is nil.
func (v *Validator) ValidateNutrition(c models.NutritionCandidate) (*models.NutritionProfile, Verdict) {
	var violations []Violation
	for _, rule := range v.nutritionRules {
		violations = append(violations, rule.Check(c)...)
	}
	if len(violations) > 0 {
		return nil, Verdict{Accepted: false, Violations: violations}
	}

	return &models.NutritionProfile{
		Nutrients: models.Nutrients{
			Vitamins: strings.TrimSpace(c.Nutrients.Vitamins),
			Minerals: strings.TrimSpace(c.Nutrients.Minerals),
			Proteins: strings.TrimSpace(c.Nutrients.Proteins),
		},
		HealthHints: v.cleanHints(c.HealthHints),
		Verified:    c.Verified,
	}, Verdict{Accepted: true}
}

// ValidateVideos keeps candidates that pass every video rule, in source
// order, truncated to the configured maximum. The verdicts slice is aligned
// with the input.
func (v *Validator) ValidateVideos(candidates []models.VideoCandidate) ([]models.Video, []Verdict) {
	accepted := make([]models.Video, 0, v.cfg.MaxVideos)
	verdicts := make([]Verdict, len(candidates))

	for i, c := range candidates {
		var violations []Violation
		for _, rule := range v.videoRules {
			violations = append(violations, rule.Check(c)...)
		}
		if len(violations) > 0 {
			verdicts[i] = Verdict{Accepted: false, Violations: violations}
			continue
		}
		verdicts[i] = Verdict{Accepted: true}
		if len(accepted) >= v.cfg.MaxVideos {
			continue
		}

		id, _ := ParseVideoID(c.Link)
		accepted = append(accepted, models.Video{
			Title:    strings.TrimSpace(c.Title),
			Channel:  strings.TrimSpace(c.Channel),
			Link:     strings.TrimSpace(c.Link),
			Duration: strings.TrimSpace(c.Duration),
			Reason:   strings.TrimSpace(c.Reason),
			VideoID:  id,
		})
	}
	return accepted, verdicts
}

// cleanHints drops hints without a label or description, or with template text.
func (v *Validator) cleanHints(hints []models.HealthHint) []models.HealthHint {
	out := make([]models.HealthHint, 0, len(hints))
	for _, h := range hints {
		label := strings.TrimSpace(h.Label)
		desc := strings.TrimSpace(h.Desc)
		if label == "" || desc == "" || v.ContainsPlaceholder(label) || v.ContainsPlaceholder(desc) {
			continue
		}
		out = append(out, models.HealthHint{Label: label, Desc: desc})
	}
	return out
}
