package validator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/franckalain/plantdex/internal/models"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

func nutrientFields(c models.NutritionCandidate) [3][2]string {
	return [3][2]string{
		{"vitamins", c.Nutrients.Vitamins},
		{"minerals", c.Nutrients.Minerals},
		{"proteins", c.Nutrients.Proteins},
	}
}

func (v *Validator) checkConfidence(c models.NutritionCandidate) []Violation {
	if c.Confidence == nil || *c.Confidence >= v.cfg.MinConfidence {
		return nil
	}
	return []Violation{{
		Rule:   RuleLowConfidence,
		Field:  "confidence",
		Detail: fmt.Sprintf("%.0f below threshold %.0f", *c.Confidence, v.cfg.MinConfidence),
	}}
}

func (v *Validator) checkMissingFields(c models.NutritionCandidate) []Violation {
	var out []Violation
	for _, f := range nutrientFields(c) {
		if strings.TrimSpace(f[1]) == "" {
			out = append(out, Violation{Rule: RuleMissingField, Field: f[0], Detail: "empty"})
		}
	}
	return out
}

func (v *Validator) checkFieldLength(c models.NutritionCandidate) []Violation {
	var out []Violation
	for _, f := range nutrientFields(c) {
		value := strings.TrimSpace(f[1])
		if value == "" {
			continue // reported by the missing-field rule
		}
		if n := len([]rune(value)); n < v.cfg.MinFieldLength {
			out = append(out, Violation{
				Rule:   RuleTooShort,
				Field:  f[0],
				Detail: fmt.Sprintf("%d characters, need %d", n, v.cfg.MinFieldLength),
			})
		}
	}
	return out
}

func (v *Validator) checkPlaceholders(c models.NutritionCandidate) []Violation {
	var out []Violation
	for _, f := range nutrientFields(c) {
		if match := v.banned.FindString(f[1]); match != "" {
			out = append(out, Violation{Rule: RulePlaceholder, Field: f[0], Detail: fmt.Sprintf("matched %q", match)})
		}
	}
	return out
}

func checkTitle(c models.VideoCandidate) []Violation {
	if strings.TrimSpace(c.Title) == "" {
		return []Violation{{Rule: RuleMissingTitle, Field: "title", Detail: "empty"}}
	}
	return nil
}

func checkChannel(c models.VideoCandidate) []Violation {
	if strings.TrimSpace(c.Channel) == "" {
		return []Violation{{Rule: RuleMissingChannel, Field: "channel", Detail: "empty"}}
	}
	return nil
}

func checkLink(c models.VideoCandidate) []Violation {
	if _, ok := ParseVideoID(c.Link); !ok {
		return []Violation{{Rule: RuleInvalidLink, Field: "link", Detail: fmt.Sprintf("%q is not a watch or short link", c.Link)}}
	}
	return nil
}

// IsVideoID reports whether id has the shape of a YouTube video ID.
func IsVideoID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// ParseVideoID extracts the video ID from a YouTube watch URL
// (youtube.com/watch?v=ID) or short link (youtu.be/ID).
func ParseVideoID(link string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtube.com":
		if strings.TrimSuffix(u.Path, "/") != "/watch" {
			return "", false
		}
		id = u.Query().Get("v")
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	default:
		return "", false
	}

	if !IsVideoID(id) {
		return "", false
	}
	return id, true
}
