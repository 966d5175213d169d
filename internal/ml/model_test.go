package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/franckalain/plantdex/internal/models"
)

func TestNewModel(t *testing.T) {
	m, err := NewModel(Config{Type: TypeGoogle})
	require.NoError(t, err)
	assert.IsType(t, &GoogleModel{}, m)

	m, err = NewModel(Config{Type: TypeRemote})
	require.NoError(t, err)
	assert.IsType(t, &RemoteModel{}, m)

	_, err = NewModel(Config{Type: "local"})
	assert.Error(t, err)
}

func TestGoogle_MissingCredentials(t *testing.T) {
	m, err := NewModel(Config{Type: TypeGoogle, Google: GoogleConfig{Location: "us-central1"}})
	require.NoError(t, err)
	require.NoError(t, m.Load(context.Background()), "missing credentials are reported per call")

	_, err = m.Identify(context.Background(), []byte("img"), "image/jpeg")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "google.project_id")

	_, err = m.LookupVideos(context.Background(), models.VideoQuery{PlantName: "Basil"})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NoError(t, m.Close())
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.87, 0.87},
		{87, 0.87},
		{100, 1},
		{140, 1},
		{-3, 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.InDelta(t, tt.want, NormalizeConfidence(tt.in), 1e-9)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `[1,2]`, extractJSON("Here you go: [1,2] enjoy"))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSON(` {"a":{"b":2}} `))
	assert.Equal(t, "no json", extractJSON("no json"))
}

func TestParseIdentification(t *testing.T) {
	id, err := parseIdentification("identify", `{"plant": {"scientificName": "Aloe vera", "commonName": "Aloe", "confidenceScore": 0.9}}`)
	require.NoError(t, err)
	assert.Equal(t, "Aloe", id.CommonName)

	_, err = parseIdentification("identify", `{"plant": {"scientificName": " ", "commonName": "Aloe"}}`)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = parseIdentification("identify", `{}`)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = parseIdentification("identify", `not json`)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"quota", status.Error(codes.ResourceExhausted, "quota"), ErrRateLimited},
		{"unavailable", status.Error(codes.Unavailable, "down"), ErrTransient},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), ErrTransient},
		{"permission", status.Error(codes.PermissionDenied, "nope"), ErrConfiguration},
		{"unauthenticated", status.Error(codes.Unauthenticated, "who"), ErrConfiguration},
		{"blocked", fmt.Errorf("wrapped: %w", &genai.BlockedError{}), ErrContentRejected},
		{"context deadline", context.DeadlineExceeded, ErrTransient},
		{"plain", errors.New("boom"), ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Classify("identify", tt.err), tt.kind)
		})
	}

	assert.NoError(t, Classify("identify", nil))
	assert.ErrorIs(t, Classify("identify", context.Canceled), context.Canceled)

	already := newError(ErrRateLimited, "identify", nil)
	assert.Same(t, already, Classify("identify", already))
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(newError(ErrRateLimited, "identify", nil)), "limit")
	assert.Contains(t, UserMessage(newError(ErrContentRejected, "identify", nil)), "different photo")
	assert.Contains(t, UserMessage(newError(ErrConfiguration, "identify", errors.New("missing remote.api_key"))), "missing remote.api_key")
	assert.Equal(t, "", UserMessage(nil))

	e := newError(ErrTransient, "identify", errors.New("reset"))
	assert.True(t, e.Retryable())
	assert.Equal(t, UserMessage(e), e.UserMessage())
}

func TestImageFormat(t *testing.T) {
	assert.Equal(t, "png", imageFormat("image/png"))
	assert.Equal(t, "jpeg", imageFormat("image/jpg"))
	assert.Equal(t, "jpeg", imageFormat(""))
	assert.Equal(t, "webp", imageFormat("IMAGE/WEBP"))
}
