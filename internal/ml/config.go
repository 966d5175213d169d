package ml

import (
	"fmt"
	"strings"
	"time"
)

// Backend types.
const (
	TypeGoogle = "google"
	TypeRemote = "remote"
)

// GoogleConfig holds configuration for the Vertex AI backend.
type GoogleConfig struct {
	ProjectID       string `json:"project_id" env:"GOOGLE_PROJECT_ID"`
	Location        string `json:"location" env:"GOOGLE_LOCATION" env-default:"us-central1"`
	CredentialsFile string `json:"credentials_file" env:"GOOGLE_CREDENTIALS_FILE"`
	VisionModel     string `json:"vision_model" env:"GOOGLE_VISION_MODEL" env-default:"gemini-1.5-flash-002"`
	TextModel       string `json:"text_model" env:"GOOGLE_TEXT_MODEL" env-default:"gemini-1.5-flash-002"`
}

// RemoteConfig holds configuration for the HTTP identification backend.
type RemoteConfig struct {
	Endpoint string        `json:"endpoint" env:"PLANTDEX_API_URL"`
	APIKey   string        `json:"api_key" env:"PLANTDEX_API_KEY"`
	Timeout  time.Duration `json:"timeout" env:"PLANTDEX_API_TIMEOUT" env-default:"30s"`
}

// Config selects and configures the AI backend.
type Config struct {
	Type              string       `json:"type" env:"PLANTDEX_ML_TYPE" env-default:"google"`
	RequestsPerSecond float64      `json:"requests_per_second" env:"PLANTDEX_ML_RPS" env-default:"2"`
	Google            GoogleConfig `json:"google"`
	Remote            RemoteConfig `json:"remote"`
}

// missingCredentials lists the settings the selected backend needs but lacks.
func (c Config) missingCredentials() []string {
	var missing []string
	switch c.Type {
	case TypeGoogle:
		if strings.TrimSpace(c.Google.ProjectID) == "" {
			missing = append(missing, "google.project_id")
		}
		if strings.TrimSpace(c.Google.Location) == "" {
			missing = append(missing, "google.location")
		}
	case TypeRemote:
		if strings.TrimSpace(c.Remote.Endpoint) == "" {
			missing = append(missing, "remote.endpoint")
		}
		if strings.TrimSpace(c.Remote.APIKey) == "" {
			missing = append(missing, "remote.api_key")
		}
	}
	return missing
}

// credentialError is returned by every call when credentials are missing.
func (c Config) credentialError(op string) error {
	missing := c.missingCredentials()
	if len(missing) == 0 {
		return nil
	}
	return newError(ErrConfiguration, op, fmt.Errorf("missing %s", strings.Join(missing, ", ")))
}
