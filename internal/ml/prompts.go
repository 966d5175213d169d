package ml

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/franckalain/plantdex/internal/models"
)

const identifyPrompt = `Identify the plant in this photo.
Format the response as a JSON object with exactly one of "error" or "plant" populated.
{
	"error": "string explaining why the photo cannot be identified",
	"plant": {
		"scientificName": "string",
		"commonName": "string",
		"confidenceScore": number between 0 and 100,
		"isEdible": boolean,
		"description": "string",
		"funFact": "string",
		"visualFeatures": ["string"],
		"imageUrl": "optional URL of a reference photo of this species"
	}
}`

func nutritionPrompt(q models.NutritionQuery) string {
	return fmt.Sprintf(`Provide verified nutrition data for the plant: %s (Commonly: %s).
Context Tags: %s.
Focus on safety-first data. Use grounded botanical databases.
Format the response as a JSON object:
{
	"nutrients": {"vitamins": "string", "minerals": "string", "proteins": "string"},
	"healthHints": [{"label": "string", "desc": "string"}],
	"confidence": number between 0 and 100 based on source reliability
}`, q.ScientificName, q.CommonName, strings.Join(q.Tags, ", "))
}

func videoPrompt(q models.VideoQuery) string {
	if q.Context == models.VideoContextRecipes {
		return fmt.Sprintf(`Find 3 high-quality YouTube cooking videos or recipes specifically for %q.
Prefer videos with high view counts or reputable chefs.
Return a JSON list: [{"title", "channel", "link", "duration", "reason"}].`, q.PlantName)
	}
	return fmt.Sprintf(`Find 3 high-quality YouTube videos about %q care, propagation, or medicinal uses.
Return a JSON list: [{"title", "channel", "link", "duration", "reason"}].`, q.PlantName)
}

type identifyResponse struct {
	Error string          `json:"error"`
	Plant *Identification `json:"plant"`
	// The remote backend answers with a ranked list instead of a single plant.
	Plants []Identification `json:"plants"`
}

// best returns the top-ranked identification in the response.
func (r identifyResponse) best() *Identification {
	if r.Plant != nil {
		return r.Plant
	}
	if len(r.Plants) > 0 {
		return &r.Plants[0]
	}
	return nil
}

type nutritionResponse struct {
	Nutrients   models.Nutrients    `json:"nutrients"`
	HealthHints []models.HealthHint `json:"healthHints"`
	Confidence  *float64            `json:"confidence"`
}

func (r nutritionResponse) candidate() models.NutritionCandidate {
	return models.NutritionCandidate{
		Nutrients:   r.Nutrients,
		HealthHints: r.HealthHints,
		Confidence:  r.Confidence,
	}
}

func parseIdentification(op, text string) (*Identification, error) {
	var resp identifyResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &resp); err != nil {
		return nil, newError(ErrInvalidResponse, op, fmt.Errorf("failed to parse model response: %w", err))
	}
	if resp.Error != "" {
		return nil, newError(ErrInvalidResponse, op, fmt.Errorf("%s", resp.Error))
	}
	plant := resp.best()
	if plant == nil {
		return nil, newError(ErrInvalidResponse, op, fmt.Errorf("no plant in response"))
	}
	if err := plant.validate(op); err != nil {
		return nil, err
	}
	return plant, nil
}

func parseNutrition(op, text string) (models.NutritionCandidate, error) {
	var resp nutritionResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &resp); err != nil {
		return models.NutritionCandidate{}, newError(ErrInvalidResponse, op, fmt.Errorf("failed to parse model response: %w", err))
	}
	return resp.candidate(), nil
}

func parseVideos(op, text string) ([]models.VideoCandidate, error) {
	var videos []models.VideoCandidate
	if err := json.Unmarshal([]byte(extractJSON(text)), &videos); err != nil {
		return nil, newError(ErrInvalidResponse, op, fmt.Errorf("failed to parse model response: %w", err))
	}
	return videos, nil
}
