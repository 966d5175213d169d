package ml

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/franckalain/plantdex/internal/models"
)

// GoogleModel implements Model on Vertex AI Gemini models.
type GoogleModel struct {
	config  Config
	limiter *rate.Limiter

	mu     sync.RWMutex
	client *genai.Client
	vision *genai.GenerativeModel
	text   *genai.GenerativeModel
}

// GoogleModelFactory implements ModelFactory for Google models
type GoogleModelFactory struct {
	config Config
}

// NewGoogleModelFactory creates a new Google model factory
func NewGoogleModelFactory(config Config) *GoogleModelFactory {
	return &GoogleModelFactory{config: config}
}

// CreateModel creates a new Google model instance
func (f *GoogleModelFactory) CreateModel() (Model, error) {
	return &GoogleModel{
		config:  f.config,
		limiter: newLimiter(f.config.RequestsPerSecond),
	}, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Load initializes the Vertex AI client. Without credentials it does nothing
// so that the service can start and report the configuration error per call.
func (m *GoogleModel) Load(ctx context.Context) error {
	if m.config.credentialError("load") != nil {
		return nil
	}

	opts := []option.ClientOption{}
	if m.config.Google.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(m.config.Google.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, m.config.Google.ProjectID, m.config.Google.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	vision := client.GenerativeModel(m.config.Google.VisionModel)
	vision.ResponseMIMEType = "application/json"
	vision.SetTemperature(0.2)

	text := client.GenerativeModel(m.config.Google.TextModel)
	text.ResponseMIMEType = "application/json"
	text.SetTemperature(0.2)

	m.mu.Lock()
	m.client, m.vision, m.text = client, vision, text
	m.mu.Unlock()
	return nil
}

// Close releases the Vertex AI client.
func (m *GoogleModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client, m.vision, m.text = nil, nil, nil
	return err
}

func (m *GoogleModel) model(op string, vision bool) (*genai.GenerativeModel, error) {
	if err := m.config.credentialError(op); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	gm := m.text
	if vision {
		gm = m.vision
	}
	if gm == nil {
		return nil, newError(ErrConfiguration, op, fmt.Errorf("model not loaded"))
	}
	return gm, nil
}

// Identify identifies the plant in image.
func (m *GoogleModel) Identify(ctx context.Context, image []byte, mimeType string) (*Identification, error) {
	const op = "identify"
	gm, err := m.model(op, true)
	if err != nil {
		return nil, err
	}

	text, err := m.generate(ctx, op, gm, genai.Text(identifyPrompt), genai.ImageData(imageFormat(mimeType), image))
	if err != nil {
		return nil, err
	}
	return parseIdentification(op, text)
}

// LookupNutrition asks the text model for a nutrition profile.
func (m *GoogleModel) LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error) {
	const op = "nutrition_lookup"
	gm, err := m.model(op, false)
	if err != nil {
		return models.NutritionCandidate{}, err
	}

	text, err := m.generate(ctx, op, gm, genai.Text(nutritionPrompt(q)))
	if err != nil {
		return models.NutritionCandidate{}, err
	}
	return parseNutrition(op, text)
}

// LookupVideos asks the text model for video suggestions.
func (m *GoogleModel) LookupVideos(ctx context.Context, q models.VideoQuery) ([]models.VideoCandidate, error) {
	const op = "video_lookup"
	gm, err := m.model(op, false)
	if err != nil {
		return nil, err
	}

	text, err := m.generate(ctx, op, gm, genai.Text(videoPrompt(q)))
	if err != nil {
		return nil, err
	}
	return parseVideos(op, text)
}

func (m *GoogleModel) generate(ctx context.Context, op string, gm *genai.GenerativeModel, parts ...genai.Part) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", newError(ErrTransient, op, err)
	}

	resp, err := gm.GenerateContent(ctx, parts...)
	if err != nil {
		return "", Classify(op, err)
	}
	if len(resp.Candidates) == 0 {
		return "", newError(ErrInvalidResponse, op, fmt.Errorf("no response generated"))
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", newError(ErrContentRejected, op, fmt.Errorf("response blocked for safety"))
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", newError(ErrInvalidResponse, op, fmt.Errorf("no content in response"))
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", newError(ErrInvalidResponse, op, fmt.Errorf("no text in response"))
	}
	return b.String(), nil
}

// imageFormat turns "image/png" into the "png" format genai.ImageData expects.
func imageFormat(mimeType string) string {
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
	if format == "" || format == "jpg" {
		return "jpeg"
	}
	return format
}
