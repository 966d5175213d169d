package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/franckalain/plantdex/internal/enrich"
	"github.com/franckalain/plantdex/internal/imagefallback"
	"github.com/franckalain/plantdex/internal/ml"
	"github.com/franckalain/plantdex/internal/models"
	"github.com/franckalain/plantdex/internal/resilience"
)

const (
	writeTimeout    = 10 * time.Second
	identifyTimeout = time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one WebSocket connection. Its id doubles as the enrichment
// session id, so a new identification supersedes the previous one.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu      sync.Mutex
	current *tracked
}

// tracked is the record a client currently displays.
type tracked struct {
	record models.IdentificationRecord
	images *imagefallback.Resolver
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outbound struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type identifyRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

type recordRequest struct {
	RecordID string `json:"record_id"`
}

type imageFailedRequest struct {
	RecordID string `json:"record_id"`
	VideoID  string `json:"video_id"`
	URL      string `json:"url"`
}

type imageMessage struct {
	RecordID  string `json:"record_id"`
	URL       string `json:"url"`
	Source    string `json:"source"`
	Exhausted bool   `json:"exhausted"`
}

type thumbnailMessage struct {
	VideoID   string `json:"video_id"`
	URL       string `json:"url"`
	Exhausted bool   `json:"exhausted"`
}

type identifiedMessage struct {
	Record models.IdentificationRecord `json:"record"`
	Image  imageMessage                `json:"image"`
}

type progressMessage struct {
	RecordID string                      `json:"record_id"`
	Outcome  enrich.Outcome              `json:"outcome"`
	Record   models.IdentificationRecord `json:"record"`
}

type enrichedMessage struct {
	Record    models.IdentificationRecord      `json:"record"`
	State     enrich.State                     `json:"state"`
	Outcomes  map[enrich.Source]enrich.Outcome `json:"outcomes"`
	Retryable bool                             `json:"retryable"`
}

type historyMessage struct {
	Items []models.HistoryEntry `json:"items"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Store client connection
	c := &client{id: uuid.NewString(), conn: conn}
	s.clients.Store(c.id, c)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	logger := s.logger.With("client_id", c.id)
	logger.Debug("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.enricher.End(c.id)
		c.wg.Wait()
		s.clients.Delete(c.id)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		conn.Close()
		logger.Debug("client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("error reading message", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendError(c, "Invalid message format")
			continue
		}
		s.handleWebSocketMessage(ctx, c, msg)
	}
}

func (s *Server) handleWebSocketMessage(ctx context.Context, c *client, msg inbound) {
	switch msg.Type {
	case "identify":
		var req identifyRequest
		if err := decodeData(msg.Data, &req); err != nil {
			s.sendError(c, "Invalid image data")
			return
		}
		s.handleIdentify(ctx, c, req)
	case "retry_enrichment":
		var req recordRequest
		if err := decodeData(msg.Data, &req); err != nil {
			s.sendError(c, "Invalid record id")
			return
		}
		s.handleRetry(ctx, c, req)
	case "image_failed":
		var req imageFailedRequest
		if err := decodeData(msg.Data, &req); err != nil {
			s.sendError(c, "Invalid image failure")
			return
		}
		s.handleImageFailed(ctx, c, req)
	case "get_history":
		s.handleGetHistory(ctx, c)
	default:
		s.sendError(c, "Unknown message type")
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}

func (s *Server) handleIdentify(ctx context.Context, c *client, req identifyRequest) {
	image, mimeType, err := decodeImage(req.Image, req.MimeType)
	if err != nil {
		s.logger.Debug("rejected upload", "client_id", c.id, "error", err)
		s.sendError(c, "Invalid image format")
		return
	}
	if int64(len(image)) > s.opts.MaxUploadBytes {
		s.sendError(c, "Image is too large")
		return
	}

	uploadURL := s.storeUpload(uuid.NewString(), image, mimeType)

	start := s.now()
	ident, err := s.identify(ctx, image, mimeType)
	if s.metrics != nil {
		s.metrics.RecordIdentification(outcomeLabel(err), s.now().Sub(start))
	}
	if err != nil {
		s.logger.Warn("identification failed", "client_id", c.id, "error", err)
		s.sendFailure(c, err)
		return
	}

	rec := ident.Record(uploadURL, s.now())
	images := imagefallback.New(rec.ImageCandidates)
	c.mu.Lock()
	c.current = &tracked{record: rec, images: images}
	c.mu.Unlock()

	s.logger.Info("plant identified",
		"client_id", c.id,
		"record_id", rec.ID,
		"plant", rec.DisplayName(),
		"confidence", rec.ConfidenceScore,
	)
	s.sendMessage(c, "identified", identifiedMessage{Record: rec, Image: imageState(rec.ID, images)})
	s.startEnrichment(ctx, c, rec, false)
}

// identify runs the identification once. The user decides whether to retry.
func (s *Server) identify(ctx context.Context, image []byte, mimeType string) (*ml.Identification, error) {
	ctx, cancel := context.WithTimeout(ctx, identifyTimeout)
	defer cancel()

	var ident *ml.Identification
	call := func(ctx context.Context) error {
		var err error
		ident, err = s.identifier.Identify(ctx, image, mimeType)
		return err
	}

	var err error
	if s.executor != nil {
		err = s.executor.ExecuteOnce(ctx, resilience.OpIdentify, call, enrich.Classify)
	} else {
		err = call(ctx)
	}
	if resilience.IsCircuitOpen(err) {
		err = fmt.Errorf("%w: %w", ml.ErrTransient, err)
	}
	return ident, err
}

func (s *Server) startEnrichment(ctx context.Context, c *client, rec models.IdentificationRecord, retry bool) {
	ctx, cancel := s.enricher.Begin(ctx, c.id, rec.ID)
	progress := func(u enrich.Update) {
		s.sendMessage(c, string(u.Source), progressMessage{RecordID: u.RecordID, Outcome: u.Outcome, Record: u.Record})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		var res enrich.Result
		if retry {
			res = s.enricher.RetryEnrichment(ctx, rec, progress)
		} else {
			res = s.enricher.Enrich(ctx, rec, progress)
		}
		if res.Stale {
			return
		}

		c.mu.Lock()
		if c.current != nil && c.current.record.ID == res.Record.ID {
			c.current.record = res.Record
		}
		c.mu.Unlock()

		s.sendMessage(c, "enriched", enrichedMessage{
			Record:    res.Record,
			State:     res.State,
			Outcomes:  res.Outcomes,
			Retryable: res.Retryable(),
		})
	}()
}

func (s *Server) handleRetry(ctx context.Context, c *client, req recordRequest) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil || cur.record.ID != req.RecordID {
		s.sendError(c, "Record is no longer displayed")
		return
	}
	s.touchUploads(cur.record)
	s.startEnrichment(ctx, c, cur.record, true)
}

func (s *Server) handleImageFailed(ctx context.Context, c *client, req imageFailedRequest) {
	if req.VideoID != "" {
		next, err := s.enricher.ThumbnailFailed(ctx, req.VideoID, req.URL)
		if err != nil {
			s.sendError(c, "Invalid video id")
			return
		}
		if s.metrics != nil {
			s.metrics.RecordImageFallback(models.SourceThumbnail)
		}
		s.sendMessage(c, "thumbnail", thumbnailMessage{VideoID: req.VideoID, URL: next, Exhausted: next == req.URL})
		return
	}

	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil || cur.record.ID != req.RecordID {
		s.sendError(c, "Record is no longer displayed")
		return
	}

	s.touchUploads(cur.record)

	// Failures reported for an image already replaced are ignored.
	failed, ok := cur.images.Current()
	if ok && (req.URL == "" || req.URL == failed.URL) && cur.images.Advance() && s.metrics != nil {
		s.metrics.RecordImageFallback(failed.SourceKind)
	}
	s.sendMessage(c, "image", imageState(cur.record.ID, cur.images))
}

func (s *Server) handleGetHistory(ctx context.Context, c *client) {
	entries, err := s.history.List(ctx)
	if err != nil {
		s.logger.Error("history lookup failed", "error", err)
		s.sendError(c, "Failed to retrieve history")
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	s.sendMessage(c, "history", historyMessage{Items: entries})
}

func imageState(recordID string, images *imagefallback.Resolver) imageMessage {
	return imageMessage{
		RecordID:  recordID,
		URL:       images.URL(),
		Source:    images.SourceLabel(),
		Exhausted: images.Exhausted(),
	}
}

// decodeImage accepts raw base64 or a data URL and returns the image bytes
// with their MIME type.
func decodeImage(encoded, mimeType string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", errors.New("unsupported data URL")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		encoded = payload
	}
	if encoded == "" {
		return nil, "", errors.New("empty image")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("not an image: %s", mimeType)
	}
	return data, mimeType, nil
}

// outcomeLabel names an identification outcome for metrics.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ml.ErrConfiguration):
		return "configuration"
	case errors.Is(err, ml.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ml.ErrContentRejected):
		return "content_rejected"
	case errors.Is(err, ml.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ml.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func (s *Server) sendMessage(c *client, messageType string, data any) {
	s.write(c, outbound{Type: messageType, Data: data})
}

func (s *Server) sendError(c *client, message string) {
	s.write(c, outbound{Type: "error", Message: message})
}

// sendFailure reports a failed identification with its user-facing text.
func (s *Server) sendFailure(c *client, err error) {
	s.write(c, outbound{Type: "error", Message: ml.UserMessage(err), Retryable: ml.IsRetryable(err)})
}

func (s *Server) write(c *client, msg outbound) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		s.logger.Debug("error sending message", "client_id", c.id, "type", msg.Type, "error", err)
	}
}
