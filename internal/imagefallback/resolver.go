// Package imagefallback walks an ordered list of image sources, moving to the
// next one each time the renderer reports that the current one failed.
package imagefallback

import (
	"sync"

	"github.com/franckalain/plantdex/internal/models"
)

// Resolver tracks the current candidate of a fallback chain. Progression is
// one-directional: once a candidate has been skipped it is never returned again.
type Resolver struct {
	mu         sync.Mutex
	candidates []models.ImageCandidate
	idx        int
}

// New creates a resolver positioned on the first usable candidate. Candidates
// without a URL are dropped; the order of the rest is kept.
func New(candidates []models.ImageCandidate) *Resolver {
	usable := make([]models.ImageCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.URL != "" {
			usable = append(usable, c)
		}
	}
	return &Resolver{candidates: usable}
}

// Current returns the candidate that should be rendered now. The second
// result is false only when the resolver was built from no usable candidates.
func (r *Resolver) Current() (models.ImageCandidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.candidates) == 0 {
		return models.ImageCandidate{}, false
	}
	return r.candidates[r.idx], true
}

// URL is a shorthand for the current candidate's URL.
func (r *Resolver) URL() string {
	c, _ := r.Current()
	return c.URL
}

// SourceLabel is a shorthand for the current candidate's source kind.
func (r *Resolver) SourceLabel() string {
	c, _ := r.Current()
	return c.SourceKind
}

// Advance records one render failure of the current candidate and moves to
// the next. On the last candidate it is a no-op and reports false.
func (r *Resolver) Advance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.idx+1 >= len(r.candidates) {
		return false
	}
	r.idx++
	return true
}

// Exhausted reports whether the resolver sits on its last candidate.
func (r *Resolver) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idx+1 >= len(r.candidates)
}

// Position returns the index of the current candidate and the chain length.
func (r *Resolver) Position() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idx, len(r.candidates)
}

// Chain builds the candidate list for a record: the reference image if any,
// then the upload, which is always last.
func Chain(referenceURL, uploadURL string) []models.ImageCandidate {
	chain := make([]models.ImageCandidate, 0, 2)
	if referenceURL != "" && referenceURL != uploadURL {
		chain = append(chain, models.ImageCandidate{SourceKind: models.SourceReference, URL: referenceURL})
	}
	if uploadURL != "" {
		chain = append(chain, models.ImageCandidate{SourceKind: models.SourceUpload, URL: uploadURL})
	}
	return chain
}
