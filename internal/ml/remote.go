package ml

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/franckalain/plantdex/internal/models"
)

const maxResponseBytes = 4 << 20

// RemoteModel implements Model against an HTTP backend exposing
// /api/identify-plant, /api/nutrition and /api/videos.
type RemoteModel struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

// RemoteModelFactory implements ModelFactory for the HTTP backend
type RemoteModelFactory struct {
	config Config
}

// NewRemoteModelFactory creates a new remote model factory
func NewRemoteModelFactory(config Config) *RemoteModelFactory {
	return &RemoteModelFactory{config: config}
}

// CreateModel creates a new remote model instance
func (f *RemoteModelFactory) CreateModel() (Model, error) {
	return &RemoteModel{
		config:  f.config,
		client:  &http.Client{Timeout: f.config.Remote.Timeout},
		limiter: newLimiter(f.config.RequestsPerSecond),
	}, nil
}

// Load is a no-op: the HTTP backend needs no session.
func (m *RemoteModel) Load(context.Context) error { return nil }

// Close is a no-op.
func (m *RemoteModel) Close() error { return nil }

// Identify posts the image as a data URL.
func (m *RemoteModel) Identify(ctx context.Context, image []byte, mimeType string) (*Identification, error) {
	const op = "identify"
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	body := map[string]string{
		"image": "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
	}

	raw, err := m.post(ctx, op, "/api/identify-plant", body)
	if err != nil {
		return nil, err
	}
	return parseIdentification(op, string(raw))
}

// LookupNutrition posts the query to /api/nutrition.
func (m *RemoteModel) LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error) {
	const op = "nutrition_lookup"
	body := map[string]any{
		"scientificName": q.ScientificName,
		"commonName":     q.CommonName,
		"tags":           q.Tags,
	}
	raw, err := m.post(ctx, op, "/api/nutrition", body)
	if err != nil {
		return models.NutritionCandidate{}, err
	}
	return parseNutrition(op, string(raw))
}

// LookupVideos posts the query to /api/videos.
func (m *RemoteModel) LookupVideos(ctx context.Context, q models.VideoQuery) ([]models.VideoCandidate, error) {
	const op = "video_lookup"
	body := map[string]string{
		"plantName": q.PlantName,
		"context":   q.Context,
	}
	raw, err := m.post(ctx, op, "/api/videos", body)
	if err != nil {
		return nil, err
	}

	// Accept either a bare list or {"videos": [...]}.
	var wrapped struct {
		Videos []models.VideoCandidate `json:"videos"`
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, newError(ErrInvalidResponse, op, err)
		}
		return wrapped.Videos, nil
	}
	return parseVideos(op, string(raw))
}

func (m *RemoteModel) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	if err := m.config.credentialError(op); err != nil {
		return nil, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, newError(ErrTransient, op, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}

	url := strings.TrimRight(m.config.Remote.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, newError(ErrConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", m.config.Remote.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, newError(ErrTransient, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(ErrTransient, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(kindForStatus(resp.StatusCode), op, fmt.Errorf("%s", errorMessage(resp.StatusCode, raw)))
	}
	return raw, nil
}

// errorMessage prefers the backend's {"error": "..."} body over the status text.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("server error: %d", status)
}
