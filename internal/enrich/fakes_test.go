package enrich

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/history"
	"github.com/franckalain/plantdex/internal/models"
)

// gate blocks fakes until released or until their context ends.
type gate struct {
	release chan struct{}
	once    sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeNutrition struct {
	mu        sync.Mutex
	calls     int
	queries   []models.NutritionQuery
	candidate models.NutritionCandidate
	err       error
	gate      *gate
}

func (f *fakeNutrition) LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.queries = append(f.queries, q)
	candidate, err, g := f.candidate, f.err, f.gate
	f.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return models.NutritionCandidate{}, err
	}
	return candidate, err
}

func (f *fakeNutrition) set(candidate models.NutritionCandidate, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidate, f.err = candidate, err
}

func (f *fakeNutrition) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVideos struct {
	mu         sync.Mutex
	calls      int
	queries    []models.VideoQuery
	candidates []models.VideoCandidate
	err        error
	gate       *gate
}

func (f *fakeVideos) LookupVideos(ctx context.Context, q models.VideoQuery) ([]models.VideoCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.queries = append(f.queries, q)
	candidates, err, g := f.candidates, f.err, f.gate
	f.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return candidates, err
}

func (f *fakeVideos) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeObserver struct {
	mu              sync.Mutex
	rejections      []string
	sources         map[string]int
	states          []string
	historyFailures int
}

func (o *fakeObserver) RecordRejection(kind, rule string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejections = append(o.rejections, kind+":"+rule)
}

func (o *fakeObserver) RecordSourceOutcome(source, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sources == nil {
		o.sources = make(map[string]int)
	}
	o.sources[source+":"+outcome]++
}

func (o *fakeObserver) RecordEnrichment(state string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *fakeObserver) RecordHistoryWriteFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.historyFailures++
}

type failingHistory struct{}

func (failingHistory) Record(context.Context, models.HistoryEntry) error {
	return fmt.Errorf("disk full")
}

type harness struct {
	store     *database.MemoryStore
	nutrition *fakeNutrition
	videos    *fakeVideos
	ledger    *history.Ledger
	observer  *fakeObserver
	orch      *Orchestrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     database.NewMemoryStore(0),
		nutrition: &fakeNutrition{candidate: validNutrition()},
		videos:    &fakeVideos{candidates: validVideos(2)},
		observer:  &fakeObserver{},
	}
	h.ledger = history.New(h.store, 10)

	orch, err := New(Deps{
		Store:     h.store,
		Nutrition: h.nutrition,
		Videos:    h.videos,
		History:   h.ledger,
		Observer:  h.observer,
	}, cfg)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) historyNames(t *testing.T) []string {
	t.Helper()
	entries, err := h.ledger.List(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func basil() models.IdentificationRecord {
	return models.IdentificationRecord{
		ID:              "rec-basil",
		ScientificName:  "Ocimum basilicum",
		CommonName:      "Basil",
		ConfidenceScore: 0.93,
		IsEdible:        true,
		ImageCandidates: []models.ImageCandidate{
			{SourceKind: models.SourceReference, URL: "https://img.test/basil.jpg"},
			{SourceKind: models.SourceUpload, URL: "/uploads/1"},
		},
	}
}

func oleander() models.IdentificationRecord {
	return models.IdentificationRecord{
		ID:              "rec-oleander",
		ScientificName:  "Nerium oleander",
		CommonName:      "Oleander",
		IsEdible:        false,
		ImageCandidates: []models.ImageCandidate{{SourceKind: models.SourceUpload, URL: "/uploads/2"}},
	}
}

func validNutrition() models.NutritionCandidate {
	return models.NutritionCandidate{
		Nutrients: models.Nutrients{
			Vitamins: "Vitamin K, A, C",
			Minerals: "Iron, Calcium, Manganese",
			Proteins: "Essential amino acids",
		},
		HealthHints: []models.HealthHint{{Label: "Digestion", Desc: "Eases bloating."}},
		Confidence:  models.Float64(85),
	}
}

func validVideos(n int) []models.VideoCandidate {
	out := make([]models.VideoCandidate, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, models.VideoCandidate{
			Title:   fmt.Sprintf("Video %d", i),
			Channel: "Garden Kitchen",
			Link:    fmt.Sprintf("https://www.youtube.com/watch?v=video%06d", i),
		})
	}
	return out
}
