// Package enrich turns a freshly identified record into an enriched one by
// fetching nutrition and video data concurrently, validating each result and
// merging only what was accepted. Enrichment never fails the record: the
// worst outcome is the base identification, unchanged.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/franckalain/plantdex/internal/cache"
	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/logging"
	"github.com/franckalain/plantdex/internal/ml"
	"github.com/franckalain/plantdex/internal/models"
	"github.com/franckalain/plantdex/internal/resilience"
	"github.com/franckalain/plantdex/internal/validator"
)

// NutritionSource fetches unvalidated nutrition data.
type NutritionSource interface {
	LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error)
}

// VideoSource fetches unvalidated video suggestions.
type VideoSource interface {
	LookupVideos(ctx context.Context, q models.VideoQuery) ([]models.VideoCandidate, error)
}

// HistoryRecorder receives the projection of every enriched record.
type HistoryRecorder interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// Observer receives enrichment events. metrics.Metrics implements it.
type Observer interface {
	RecordRejection(kind, rule string)
	RecordSourceOutcome(source, outcome string)
	RecordEnrichment(state string, duration time.Duration)
	RecordHistoryWriteFailure()
}

// Source names an enrichment source.
type Source string

const (
	SourceNutrition Source = "nutrition"
	SourceVideos    Source = "videos"
)

// Outcome is what happened to one source during a run.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"  // not attempted (inedible plant)
	OutcomeKept     Outcome = "kept"     // already present, left alone by a retry
	OutcomeCached   Outcome = "cached"   // served from cache after revalidation
	OutcomeFetched  Outcome = "fetched"  // fetched, validated and merged
	OutcomeRejected Outcome = "rejected" // fetched but failed validation
	OutcomeFailed   Outcome = "failed"   // the call failed or timed out
	OutcomeStale    Outcome = "stale"    // a newer identification replaced the record
)

// Usable reports whether the outcome leaves nothing to retry.
func (o Outcome) Usable() bool {
	switch o {
	case OutcomeSkipped, OutcomeKept, OutcomeCached, OutcomeFetched:
		return true
	default:
		return false
	}
}

// State is the enrichment state of a record.
type State string

const (
	StateIdentified State = "identified"
	StateEnriching  State = "enriching"
	StateEnriched   State = "enriched"
	StateDegraded   State = "enrichment-degraded"
)

// Update is reported to the progress callback when one source finishes.
// Record is a snapshot that includes every source merged so far.
type Update struct {
	RecordID string
	Source   Source
	Outcome  Outcome
	Record   models.IdentificationRecord
}

// Progress receives updates. Calls are serialised per run.
type Progress func(Update)

// Result is the outcome of an enrichment run.
type Result struct {
	Record   models.IdentificationRecord
	State    State
	Outcomes map[Source]Outcome
	// Stale is set when the record was superseded while enriching; Record is
	// then the unmodified input and nothing was written to history.
	Stale bool
}

// Retryable reports whether RetryEnrichment could add anything.
func (r Result) Retryable() bool {
	if r.Stale {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Usable() {
			return true
		}
	}
	return false
}

// Config holds cache lifetimes and per-source deadlines.
type Config struct {
	NutritionTTL  time.Duration
	VideoTTL      time.Duration
	ThumbnailTTL  time.Duration
	SourceTimeout time.Duration
}

// DefaultConfig returns production lifetimes.
func DefaultConfig() Config {
	return Config{
		NutritionTTL:  24 * time.Hour,
		VideoTTL:      7 * 24 * time.Hour,
		ThumbnailTTL:  7 * 24 * time.Hour,
		SourceTimeout: 20 * time.Second,
	}
}

// Deps are the collaborators of the orchestrator. Store, Nutrition, Videos
// and History are required.
type Deps struct {
	Store         database.Store
	Nutrition     NutritionSource
	Videos        VideoSource
	History       HistoryRecorder
	Validator     *validator.Validator
	Executor      *resilience.Executor
	Observer      Observer
	CacheObserver cache.Observer
	Logger        *slog.Logger
	Now           func() time.Time
}

// Orchestrator runs enrichment. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	nutrition NutritionSource
	videos    VideoSource
	history   HistoryRecorder
	validator *validator.Validator
	executor  *resilience.Executor
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	nutritionCache *cache.TTL[models.NutritionProfile]
	videoCache     *cache.TTL[[]models.Video]
	thumbnailCache *cache.TTL[string]

	flight   singleflight.Group
	sessions sessions
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Nutrition == nil || deps.Videos == nil || deps.History == nil {
		return nil, errors.New("enrich: store, nutrition, videos and history are required")
	}

	def := DefaultConfig()
	if cfg.NutritionTTL <= 0 {
		cfg.NutritionTTL = def.NutritionTTL
	}
	if cfg.VideoTTL <= 0 {
		cfg.VideoTTL = def.VideoTTL
	}
	if cfg.ThumbnailTTL <= 0 {
		cfg.ThumbnailTTL = def.ThumbnailTTL
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = def.SourceTimeout
	}

	o := &Orchestrator{
		cfg:       cfg,
		nutrition: deps.Nutrition,
		videos:    deps.Videos,
		history:   deps.History,
		validator: deps.Validator,
		executor:  deps.Executor,
		observer:  deps.Observer,
		logger:    deps.Logger,
		now:       deps.Now,
		sessions:  sessions{current: make(map[string]*session)},
	}
	if o.validator == nil {
		o.validator = validator.New(validator.DefaultConfig())
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	o.logger = o.logger.With("component", "enrich")
	if o.now == nil {
		o.now = time.Now
	}

	cacheOpts := []cache.Option{cache.WithClock(o.now), cache.WithLogger(o.logger)}
	if deps.CacheObserver != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(deps.CacheObserver))
	}
	o.nutritionCache = cache.New[models.NutritionProfile](deps.Store, cache.NamespaceNutrition, cacheOpts...)
	o.videoCache = cache.New[[]models.Video](deps.Store, cache.NamespaceVideos, cacheOpts...)
	o.thumbnailCache = cache.New[string](deps.Store, cache.NamespaceThumbnails, cacheOpts...)

	return o, nil
}

// Enrich fetches nutrition (edible plants only) and videos for rec
// concurrently and returns the record with every accepted result merged.
// It returns once both sources have finished or timed out.
func (o *Orchestrator) Enrich(ctx context.Context, rec models.IdentificationRecord, progress Progress) Result {
	return o.run(ctx, rec, progress, false)
}

// RetryEnrichment re-runs the sources whose data is missing from rec.
// Fields already present are kept as they are.
func (o *Orchestrator) RetryEnrichment(ctx context.Context, rec models.IdentificationRecord, progress Progress) Result {
	return o.run(ctx, rec, progress, true)
}

// run holds the state of one enrichment pass.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	progress Progress

	mu       sync.Mutex
	rec      models.IdentificationRecord
	outcomes map[Source]Outcome
	notifyMu sync.Mutex
}

func (o *Orchestrator) run(ctx context.Context, rec models.IdentificationRecord, progress Progress, retry bool) Result {
	start := o.now()
	base := rec
	r := &run{
		o:        o,
		ctx:      ctx,
		progress: progress,
		rec:      rec,
		outcomes: make(map[Source]Outcome, 2),
	}
	logger := o.logger.With("record_id", rec.ID, "plant", rec.DisplayName(), "retry", retry)
	logger.Debug("enrichment started", "state", StateEnriching)

	var wg sync.WaitGroup
	switch {
	case !rec.IsEdible:
		r.finish(SourceNutrition, OutcomeSkipped, nil)
	case retry && rec.Nutrients != nil:
		r.finish(SourceNutrition, OutcomeKept, nil)
	default:
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, profile := o.enrichNutrition(ctx, rec, logger)
			r.finish(SourceNutrition, outcome, func(rec *models.IdentificationRecord) {
				if profile != nil {
					n := profile.Nutrients
					rec.Nutrients = &n
					rec.HealthHints = profile.HealthHints
				}
			})
		}()
	}

	if retry && len(rec.Videos) > 0 {
		r.finish(SourceVideos, OutcomeKept, nil)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, videos := o.enrichVideos(ctx, rec, logger)
			r.finish(SourceVideos, outcome, func(rec *models.IdentificationRecord) {
				if len(videos) > 0 {
					rec.Videos = videos
				}
			})
		}()
	}
	wg.Wait()

	if !o.isCurrent(ctx) {
		logger.Info("discarding stale enrichment")
		o.observeEnrichment(string(OutcomeStale), o.now().Sub(start))
		return Result{Record: base, State: StateDegraded, Outcomes: r.outcomes, Stale: true}
	}

	r.mu.Lock()
	result := Result{Record: r.rec, State: StateEnriched, Outcomes: r.outcomes}
	r.mu.Unlock()
	for _, outcome := range result.Outcomes {
		if !outcome.Usable() {
			result.State = StateDegraded
		}
	}

	o.recordHistory(ctx, result.Record, logger)
	o.observeEnrichment(string(result.State), o.now().Sub(start))
	logger.Info("enrichment finished",
		"state", result.State,
		"nutrition", result.Outcomes[SourceNutrition],
		"videos", result.Outcomes[SourceVideos],
	)
	return result
}

// finish merges one source's contribution and reports progress, unless the
// record has been superseded.
func (r *run) finish(source Source, outcome Outcome, merge func(*models.IdentificationRecord)) {
	if !r.o.isCurrent(r.ctx) {
		outcome = OutcomeStale
		merge = nil
	}
	r.o.observeSource(source, outcome)

	r.mu.Lock()
	r.outcomes[source] = outcome
	if merge != nil {
		merge(&r.rec)
	}
	snapshot := r.rec
	r.mu.Unlock()

	if r.progress == nil || outcome == OutcomeStale {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.progress(Update{RecordID: snapshot.ID, Source: source, Outcome: outcome, Record: snapshot})
}

func (o *Orchestrator) recordHistory(ctx context.Context, rec models.IdentificationRecord, logger *slog.Logger) {
	entry := models.HistoryEntry{
		Name:     rec.DisplayName(),
		Date:     o.now(),
		IsEdible: rec.IsEdible,
	}
	if len(rec.ImageCandidates) > 0 {
		entry.ImageRef = rec.ImageCandidates[0].URL
	}
	if err := o.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("history write failed", "error", err)
		if o.observer != nil {
			o.observer.RecordHistoryWriteFailure()
		}
	}
}

// call runs fn with the executor when one is configured.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if o.executor == nil {
		return fn(ctx)
	}
	return o.executor.Execute(ctx, op, fn, Classify)
}

// Classify tells the executor which AI failures to retry and which count
// against the breaker. Configuration and malformed responses do not.
func Classify(err error) resilience.ErrorClassification {
	return resilience.ErrorClassification{
		Retryable:     ml.IsRetryable(err),
		RecordFailure: !errors.Is(err, ml.ErrConfiguration) && !errors.Is(err, ml.ErrInvalidResponse),
	}
}

func (o *Orchestrator) observeSource(source Source, outcome Outcome) {
	if o.observer != nil {
		o.observer.RecordSourceOutcome(string(source), string(outcome))
	}
}

func (o *Orchestrator) observeEnrichment(state string, d time.Duration) {
	if o.observer != nil {
		o.observer.RecordEnrichment(state, d)
	}
}

func (o *Orchestrator) observeVerdict(kind string, verdict validator.Verdict) {
	if o.observer == nil || verdict.Accepted {
		return
	}
	seen := make(map[validator.Tag]bool, len(verdict.Violations))
	for _, rule := range verdict.Rules() {
		if !seen[rule] {
			seen[rule] = true
			o.observer.RecordRejection(kind, string(rule))
		}
	}
}
