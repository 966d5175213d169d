package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/franckalain/plantdex/internal/cache"
	"github.com/franckalain/plantdex/internal/models"
	"github.com/franckalain/plantdex/internal/resilience"
	"github.com/franckalain/plantdex/internal/validator"
)

const thumbnailHost = "https://i.ytimg.com/vi/"

// ErrInvalidVideoID is returned for a thumbnail failure naming a malformed video ID.
var ErrInvalidVideoID = errors.New("enrich: invalid video id")

type nutritionFetch struct {
	profile *models.NutritionProfile
	verdict validator.Verdict
}

type videoFetch struct {
	videos   []models.Video
	verdicts []validator.Verdict
}

func (o *Orchestrator) enrichNutrition(ctx context.Context, rec models.IdentificationRecord, logger *slog.Logger) (Outcome, *models.NutritionProfile) {
	key := cache.DeriveKey(rec.ScientificName, rec.CommonName)
	if key == "" {
		return OutcomeFailed, nil
	}

	if cached, ok := o.nutritionCache.Get(ctx, key); ok {
		profile, verdict := o.validator.ValidateNutrition(models.NutritionCandidate{
			Nutrients:   cached.Nutrients,
			HealthHints: cached.HealthHints,
			Verified:    cached.Verified,
		})
		if verdict.Accepted {
			return OutcomeCached, profile
		}
		logger.Warn("cached nutrition no longer valid", "key", key, "violations", verdict.Violations)
		o.nutritionCache.Delete(ctx, key)
	}

	query := models.NutritionQuery{
		ScientificName: rec.ScientificName,
		CommonName:     rec.CommonName,
		Tags:           nutritionTags(rec),
	}
	res, err := o.shared(ctx, "nutrition:"+key, func(fctx context.Context) (any, error) {
		var candidate models.NutritionCandidate
		err := o.call(fctx, resilience.OpNutritionLookup, func(ctx context.Context) error {
			var err error
			candidate, err = o.nutrition.LookupNutrition(ctx, query)
			return err
		})
		if err != nil {
			return nil, err
		}

		profile, verdict := o.validator.ValidateNutrition(candidate)
		if verdict.Accepted {
			o.nutritionCache.Set(fctx, key, *profile, o.cfg.NutritionTTL)
		}
		o.observeVerdict("nutrition", verdict)
		return nutritionFetch{profile: profile, verdict: verdict}, nil
	})
	if err != nil {
		logger.Warn("nutrition lookup failed", "error", err)
		return OutcomeFailed, nil
	}

	fetched := res.(nutritionFetch)
	if !fetched.verdict.Accepted {
		logger.Warn("nutrition rejected", "violations", fetched.verdict.Violations)
		return OutcomeRejected, nil
	}
	return OutcomeFetched, fetched.profile
}

func nutritionTags(rec models.IdentificationRecord) []string {
	tags := []string{"edible"}
	if len(rec.VisualFeatures) > 0 {
		tags = append(tags, rec.VisualFeatures...)
	}
	return tags
}

// VideoContext returns the video lookup context for a record.
func VideoContext(rec models.IdentificationRecord) string {
	if rec.IsEdible {
		return models.VideoContextRecipes
	}
	return models.VideoContextCare
}

func (o *Orchestrator) enrichVideos(ctx context.Context, rec models.IdentificationRecord, logger *slog.Logger) (Outcome, []models.Video) {
	name := rec.DisplayName()
	videoContext := VideoContext(rec)
	key := cache.JoinKey(videoContext, name)
	if cache.NormalizeKey(name) == "" {
		return OutcomeFailed, nil
	}

	if cached, ok := o.videoCache.Get(ctx, key); ok {
		videos, _ := o.validator.ValidateVideos(toCandidates(cached))
		if len(videos) > 0 {
			return OutcomeCached, o.withThumbnails(ctx, videos)
		}
		logger.Warn("cached videos no longer valid", "key", key)
		o.videoCache.Delete(ctx, key)
	}

	query := models.VideoQuery{PlantName: name, Context: videoContext}
	res, err := o.shared(ctx, "videos:"+key, func(fctx context.Context) (any, error) {
		var candidates []models.VideoCandidate
		err := o.call(fctx, resilience.OpVideoLookup, func(ctx context.Context) error {
			var err error
			candidates, err = o.videos.LookupVideos(ctx, query)
			return err
		})
		if err != nil {
			return nil, err
		}

		videos, verdicts := o.validator.ValidateVideos(candidates)
		for _, verdict := range verdicts {
			o.observeVerdict("video", verdict)
		}
		if len(videos) > 0 {
			o.videoCache.Set(fctx, key, videos, o.cfg.VideoTTL)
		}
		return videoFetch{videos: videos, verdicts: verdicts}, nil
	})
	if err != nil {
		logger.Warn("video lookup failed", "error", err)
		return OutcomeFailed, nil
	}

	fetched := res.(videoFetch)
	if len(fetched.videos) == 0 {
		logger.Warn("no video passed validation", "candidates", len(fetched.verdicts))
		return OutcomeRejected, nil
	}
	return OutcomeFetched, o.withThumbnails(ctx, fetched.videos)
}

func toCandidates(videos []models.Video) []models.VideoCandidate {
	out := make([]models.VideoCandidate, 0, len(videos))
	for _, v := range videos {
		out = append(out, models.VideoCandidate{
			Title:    v.Title,
			Channel:  v.Channel,
			Link:     v.Link,
			Duration: v.Duration,
			Reason:   v.Reason,
		})
	}
	return out
}

// shared runs fetch once per key across concurrent callers. The fetch is
// detached from the caller's cancellation and bounded by SourceTimeout; each
// caller stops waiting at its own deadline.
func (o *Orchestrator) shared(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()

	ch := o.flight.DoChan(key, func() (any, error) {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SourceTimeout)
		defer fcancel()
		return fetch(fctx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", key, ctx.Err())
	}
}

// thumbnailCandidates lists the thumbnails for a video, preferred first.
func thumbnailCandidates(videoID, preferred string) []models.ImageCandidate {
	urls := []string{
		thumbnailHost + videoID + "/hqdefault.jpg",
		thumbnailHost + videoID + "/mqdefault.jpg",
	}
	out := make([]models.ImageCandidate, 0, len(urls))
	if preferred != "" {
		out = append(out, models.ImageCandidate{SourceKind: models.SourceThumbnail, URL: preferred})
	}
	for _, u := range urls {
		if u != preferred {
			out = append(out, models.ImageCandidate{SourceKind: models.SourceThumbnail, URL: u})
		}
	}
	return out
}

func (o *Orchestrator) withThumbnails(ctx context.Context, videos []models.Video) []models.Video {
	out := make([]models.Video, len(videos))
	for i, v := range videos {
		if v.VideoID == "" {
			v.VideoID, _ = validator.ParseVideoID(v.Link)
		}
		if v.VideoID != "" {
			preferred, ok := o.thumbnailCache.Get(ctx, v.VideoID)
			v.ThumbnailCandidates = thumbnailCandidates(v.VideoID, preferred)
			v.Thumbnail = v.ThumbnailCandidates[0].URL
			if !ok {
				o.thumbnailCache.Set(ctx, v.VideoID, v.Thumbnail, o.cfg.ThumbnailTTL)
			}
		}
		out[i] = v
	}
	return out
}

// ThumbnailFailed records that failedURL did not render for videoID and
// remembers the next candidate as the preferred thumbnail. It returns the
// URL to try next, which is failedURL itself once the list is exhausted.
// Malformed video IDs are rejected without touching the store.
func (o *Orchestrator) ThumbnailFailed(ctx context.Context, videoID, failedURL string) (string, error) {
	if !validator.IsVideoID(videoID) {
		return "", ErrInvalidVideoID
	}
	candidates := thumbnailCandidates(videoID, "")
	next := failedURL
	for i, c := range candidates {
		if c.URL == failedURL && i+1 < len(candidates) {
			next = candidates[i+1].URL
			break
		}
	}
	if next != failedURL {
		o.thumbnailCache.Set(ctx, videoID, next, o.cfg.ThumbnailTTL)
	}
	return next, nil
}
