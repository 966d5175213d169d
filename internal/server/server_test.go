package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/enrich"
	"github.com/franckalain/plantdex/internal/history"
	"github.com/franckalain/plantdex/internal/metrics"
	"github.com/franckalain/plantdex/internal/ml"
	"github.com/franckalain/plantdex/internal/models"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeIdentifier struct {
	ident *ml.Identification
	err   error
}

func (f *fakeIdentifier) Identify(context.Context, []byte, string) (*ml.Identification, error) {
	if f.err != nil {
		return nil, f.err
	}
	ident := *f.ident
	return &ident, nil
}

type fakeNutrition struct {
	mu    sync.Mutex
	calls int
	fail  int // number of leading calls that fail
}

func (f *fakeNutrition) LookupNutrition(context.Context, models.NutritionQuery) (models.NutritionCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return models.NutritionCandidate{}, errors.New("upstream unavailable")
	}
	return models.NutritionCandidate{
		Nutrients: models.Nutrients{
			Vitamins: "Vitamin K, A, C",
			Minerals: "Iron, Calcium",
			Proteins: "Essential amino acids",
		},
		HealthHints: []models.HealthHint{{Label: "Digestion", Desc: "Eases bloating."}},
		Confidence:  models.Float64(90),
	}, nil
}

type fakeVideos struct{}

func (fakeVideos) LookupVideos(context.Context, models.VideoQuery) ([]models.VideoCandidate, error) {
	return []models.VideoCandidate{
		{Title: "Pesto in 5 minutes", Channel: "Garden Kitchen", Link: "https://www.youtube.com/watch?v=abcdefghijk"},
	}, nil
}

type testServer struct {
	srv       *Server
	http      *httptest.Server
	ident     *fakeIdentifier
	nutrition *fakeNutrition
	ledger    *history.Ledger
	metrics   *metrics.Metrics
	store     *database.MemoryStore
}

func basilIdentification() *ml.Identification {
	return &ml.Identification{
		ScientificName: "Ocimum basilicum",
		CommonName:     "Basil",
		Confidence:     93,
		IsEdible:       true,
		Description:    "Aromatic culinary herb.",
		ImageURL:       "https://img.test/basil.jpg",
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := database.NewMemoryStore(0)
	ts := &testServer{
		ident:     &fakeIdentifier{ident: basilIdentification()},
		nutrition: &fakeNutrition{},
		ledger:    history.New(store, 10),
		metrics:   metrics.New("plantdex-test"),
		store:     store,
	}

	orch, err := enrich.New(enrich.Deps{
		Store:     store,
		Nutrition: ts.nutrition,
		Videos:    fakeVideos{},
		History:   ts.ledger,
		Observer:  ts.metrics,
	}, enrich.Config{SourceTimeout: 2 * time.Second})
	require.NoError(t, err)

	ts.srv, err = New(Deps{
		Identifier: ts.ident,
		Enricher:   orch,
		History:    ts.ledger,
		Metrics:    ts.metrics,
	}, Options{StaticDir: t.TempDir(), MaxUploadBytes: 1 << 10})
	require.NoError(t, err)

	ts.http = httptest.NewServer(ts.srv.Handler())
	t.Cleanup(ts.http.Close)
	return ts
}

type received struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, messageType string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": messageType, "data": data}))
}

// readUntil reads messages until one of the given type arrives and returns
// every message read, keyed by type.
func readUntil(t *testing.T, conn *websocket.Conn, messageType string) map[string]received {
	t.Helper()
	seen := make(map[string]received)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Type] = msg
		if msg.Type == messageType {
			return seen
		}
	}
}

func identify(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, "identify", map[string]string{"image": base64.StdEncoding.EncodeToString(pngHeader)})
}

func TestIdentify_EnrichesProgressively(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	identify(t, conn)
	msgs := readUntil(t, conn, "enriched")

	require.Contains(t, msgs, "identified")
	var identified identifiedMessage
	require.NoError(t, json.Unmarshal(msgs["identified"].Data, &identified))
	rec := identified.Record
	assert.Equal(t, "Basil", rec.CommonName)
	assert.InDelta(t, 0.93, rec.ConfidenceScore, 1e-9)
	require.Len(t, rec.ImageCandidates, 2)
	assert.Equal(t, "https://img.test/basil.jpg", identified.Image.URL)
	assert.Equal(t, models.SourceReference, identified.Image.Source)

	assert.Contains(t, msgs, "nutrition")
	assert.Contains(t, msgs, "videos")

	var enriched enrichedMessage
	require.NoError(t, json.Unmarshal(msgs["enriched"].Data, &enriched))
	assert.Equal(t, enrich.StateEnriched, enriched.State)
	assert.False(t, enriched.Retryable)
	require.NotNil(t, enriched.Record.Nutrients)
	require.Len(t, enriched.Record.Videos, 1)
	assert.Equal(t, "abcdefghijk", enriched.Record.Videos[0].VideoID)

	// The upload is served for the last image fallback.
	uploadURL := rec.ImageCandidates[1].URL
	resp, err := http.Get(ts.http.URL + uploadURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, pngHeader, body)

	entries, err := ts.ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Basil", entries[0].Name)

	assert.Contains(t, ts.scrape(t), `plantdex_identification_requests_total{outcome="ok",service="plantdex-test"} 1`)
}

func (ts *testServer) scrape(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestIdentify_Failures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		message   string
		retryable bool
	}{
		{
			name:    "missing credentials",
			err:     &ml.Error{Kind: ml.ErrConfiguration, Op: "identify", Err: errors.New("missing remote.api_key")},
			message: "Service is not configured: missing remote.api_key",
		},
		{
			name:    "rate limited",
			err:     &ml.Error{Kind: ml.ErrRateLimited, Op: "identify"},
			message: "Daily identification limit reached. Please try again tomorrow.",
		},
		{
			name:      "transient",
			err:       &ml.Error{Kind: ml.ErrTransient, Op: "identify", Err: errors.New("503")},
			message:   "The identification service is temporarily unavailable. Please try again.",
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.ident.err = tt.err
			conn := ts.dial(t)

			identify(t, conn)
			msgs := readUntil(t, conn, "error")

			assert.Equal(t, tt.message, msgs["error"].Message)
			assert.Equal(t, tt.retryable, msgs["error"].Retryable)
			assert.NotContains(t, msgs, "identified")
			assert.Zero(t, ts.nutrition.calls)
		})
	}
}

func TestIdentify_RejectsBadImages(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	tests := []struct {
		name    string
		data    map[string]string
		message string
	}{
		{"not base64", map[string]string{"image": "%%%"}, "Invalid image format"},
		{"not an image", map[string]string{"image": base64.StdEncoding.EncodeToString([]byte("hello"))}, "Invalid image format"},
		{"empty", map[string]string{"image": ""}, "Invalid image format"},
		{"too large", map[string]string{"image": base64.StdEncoding.EncodeToString(append(pngHeader, make([]byte, 2048)...))}, "Image is too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, "identify", tt.data)
			msgs := readUntil(t, conn, "error")
			assert.Equal(t, tt.message, msgs["error"].Message)
		})
	}
}

func TestDecodeImage_DataURL(t *testing.T) {
	encoded := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	data, mimeType, err := decodeImage(encoded, "")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mimeType)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	_, _, err = decodeImage("data:image/jpeg,raw", "")
	assert.Error(t, err)
}

func TestImageFailed_WalksFallbackChain(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	identify(t, conn)
	msgs := readUntil(t, conn, "identified")
	var identified identifiedMessage
	require.NoError(t, json.Unmarshal(msgs["identified"].Data, &identified))
	recordID := identified.Record.ID

	send(t, conn, "image_failed", map[string]string{"record_id": recordID, "url": "https://img.test/basil.jpg"})
	var image imageMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "image")["image"].Data, &image))
	assert.Equal(t, models.SourceUpload, image.Source)
	assert.True(t, strings.HasPrefix(image.URL, "/uploads/"))
	assert.True(t, image.Exhausted)

	// The upload failing too leaves the upload in place.
	send(t, conn, "image_failed", map[string]string{"record_id": recordID, "url": image.URL})
	var again imageMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "image")["image"].Data, &again))
	assert.Equal(t, image.URL, again.URL)
	assert.True(t, again.Exhausted)

	send(t, conn, "image_failed", map[string]string{"record_id": "unknown"})
	assert.Equal(t, "Record is no longer displayed", readUntil(t, conn, "error")["error"].Message)

	assert.Contains(t, ts.scrape(t), `plantdex_image_fallbacks_total{service="plantdex-test",source_kind="reference"} 1`)
}

func TestImageFailed_Thumbnail(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	failed := "https://i.ytimg.com/vi/abcdefghijk/hqdefault.jpg"
	send(t, conn, "image_failed", map[string]string{"video_id": "abcdefghijk", "url": failed})

	var thumb thumbnailMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "thumbnail")["thumbnail"].Data, &thumb))
	assert.Equal(t, "https://i.ytimg.com/vi/abcdefghijk/mqdefault.jpg", thumb.URL)
	assert.False(t, thumb.Exhausted)

	// Later enrichments offer the working thumbnail first.
	identify(t, conn)
	var enriched enrichedMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "enriched")["enriched"].Data, &enriched))
	require.Len(t, enriched.Record.Videos, 1)
	assert.Equal(t, thumb.URL, enriched.Record.Videos[0].Thumbnail)
}

func TestImageFailed_MalformedVideoID(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	before := ts.store.Len()

	send(t, conn, "image_failed", map[string]string{"video_id": "x1", "url": "https://i.ytimg.com/vi/x1/maxresdefault.jpg"})
	assert.Equal(t, "Invalid video id", readUntil(t, conn, "error")["error"].Message)
	assert.Equal(t, before, ts.store.Len())
	assert.NotContains(t, ts.scrape(t), `source_kind="thumbnail"`)
}

func TestRetryEnrichment(t *testing.T) {
	ts := newTestServer(t)
	ts.nutrition.fail = 1
	conn := ts.dial(t)

	identify(t, conn)
	var first enrichedMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "enriched")["enriched"].Data, &first))
	assert.Equal(t, enrich.StateDegraded, first.State)
	assert.True(t, first.Retryable)
	assert.Nil(t, first.Record.Nutrients)
	require.Len(t, first.Record.Videos, 1)

	send(t, conn, "retry_enrichment", map[string]string{"record_id": first.Record.ID})
	var second enrichedMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "enriched")["enriched"].Data, &second))
	assert.Equal(t, enrich.StateEnriched, second.State)
	assert.NotNil(t, second.Record.Nutrients)
	assert.Equal(t, enrich.OutcomeKept, second.Outcomes[enrich.SourceVideos])

	send(t, conn, "retry_enrichment", map[string]string{"record_id": "stale"})
	assert.Equal(t, "Record is no longer displayed", readUntil(t, conn, "error")["error"].Message)
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.ledger.Record(context.Background(), models.HistoryEntry{Name: "Aloe", IsEdible: true}))
	conn := ts.dial(t)

	send(t, conn, "get_history", nil)
	var hist historyMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "history")["history"].Data, &hist))
	require.Len(t, hist.Items, 1)
	assert.Equal(t, "Aloe", hist.Items[0].Name)

	resp, err := http.Get(ts.http.URL + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []models.HistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Aloe", entries[0].Name)
}

func TestUnknownMessages(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "scan", nil)
	assert.Equal(t, "Unknown message type", readUntil(t, conn, "error")["error"].Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "Invalid message format", readUntil(t, conn, "error")["error"].Message)
}

func TestHTTPRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.http.URL + "/uploads/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Contains(t, ts.scrape(t), `plantdex_http_requests_total{method="GET",path="/health",service="plantdex-test",status="200"} 1`)
}

func (ts *testServer) status(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestUploads_Bounded(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.opts.MaxUploads = 2

	a := ts.srv.storeUpload("a", pngHeader, "image/png")
	time.Sleep(2 * time.Millisecond)
	b := ts.srv.storeUpload("b", pngHeader, "image/png")
	time.Sleep(2 * time.Millisecond)

	// The displayed record keeps its photo alive.
	ts.srv.touchUploads(models.IdentificationRecord{ImageCandidates: []models.ImageCandidate{
		{SourceKind: models.SourceReference, URL: "https://img.test/basil.jpg"},
		{SourceKind: models.SourceUpload, URL: a},
	}})
	time.Sleep(2 * time.Millisecond)
	c := ts.srv.storeUpload("c", pngHeader, "image/png")

	assert.Equal(t, http.StatusOK, ts.status(t, a))
	assert.Equal(t, http.StatusNotFound, ts.status(t, b))
	assert.Equal(t, http.StatusOK, ts.status(t, c))
	assert.Len(t, ts.srv.uploads.Items(), 2)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
