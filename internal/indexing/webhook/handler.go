package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/forgesync/internal/indexing/metrics"
)

// Route is where the forge posts deliveries.
const Route = "/webhooks/github"

// Ingester applies decoded push events.
type Ingester interface {
	Ingest(ctx context.Context, deliveryID string, ev *PushEvent) (Result, error)
}

// Deduper remembers delivery IDs for a while.
type Deduper interface {
	ClaimDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error)
	ReleaseDelivery(ctx context.Context, deliveryID string) error
}

// HandlerConfig configures the HTTP endpoint.
type HandlerConfig struct {
	Secret       string
	DedupTTL     time.Duration
	MaxBodyBytes int64
}

// Handler receives deliveries over HTTP.
type Handler struct {
	cfg      HandlerConfig
	ingester Ingester
	dedup    Deduper
	log      *slog.Logger
}

// NewHandler creates a handler. A nil dedup falls back to an in-process one.
func NewHandler(cfg HandlerConfig, ingester Ingester, dedup Deduper) *Handler {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 << 20
	}
	if dedup == nil {
		dedup = NewMemoryDeduper()
	}
	return &Handler{
		cfg:      cfg,
		ingester: ingester,
		dedup:    dedup,
		log:      slog.Default().With("component", "webhook"),
	}
}

// Register mounts the delivery route.
func (h *Handler) Register(r chi.Router) {
	r.Post(Route, h.ServeHTTP)
}

type response struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	*Result
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.reply(w, http.StatusBadRequest, "error", response{Status: "error", Reason: "read body failed"})
		return
	}

	if !h.verify(body, r.Header.Get("X-Hub-Signature-256")) {
		h.reply(w, http.StatusUnauthorized, "invalid_signature", response{Status: "error", Reason: "invalid signature"})
		return
	}

	kind := r.Header.Get("X-GitHub-Event")
	if kind != "push" {
		h.reply(w, http.StatusAccepted, "skipped_event", response{Status: "ignored", Reason: "event " + kind})
		return
	}

	ctx := r.Context()
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID != "" {
		fresh, err := h.dedup.ClaimDelivery(ctx, deliveryID, h.cfg.DedupTTL)
		if err != nil {
			// Upserts are idempotent, so processing twice is safe.
			h.log.Warn("Delivery dedup unavailable", "delivery", deliveryID, "error", err)
		} else if !fresh {
			h.reply(w, http.StatusOK, "duplicate", response{Status: "duplicate"})
			return
		}
	}

	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.release(deliveryID)
		h.reply(w, http.StatusBadRequest, "error", response{Status: "error", Reason: "invalid payload"})
		return
	}

	res, err := h.ingester.Ingest(ctx, deliveryID, &ev)
	if err != nil {
		h.log.Error("Failed to ingest push", "delivery", deliveryID, "error", err)
		// Let the forge redeliver.
		h.release(deliveryID)
		h.reply(w, http.StatusInternalServerError, "error", response{Status: "error", Reason: "ingest failed"})
		return
	}

	if res.Ignored {
		h.log.Debug("Push ignored", "delivery", deliveryID, "target", res.Target, "reason", res.Reason)
		h.reply(w, http.StatusAccepted, "ignored", response{Status: "ignored", Reason: res.Reason, Result: &res})
		return
	}
	h.reply(w, http.StatusOK, "ingested", response{Status: "ingested", Result: &res})
}

// verify checks the sha256 HMAC of the body. Without a secret every
// delivery is accepted.
func (h *Handler) verify(body []byte, signature string) bool {
	if h.cfg.Secret == "" {
		return true
	}
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	decoded, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

func (h *Handler) release(deliveryID string) {
	if deliveryID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.dedup.ReleaseDelivery(ctx, deliveryID); err != nil {
		h.log.Warn("Failed to release delivery", "delivery", deliveryID, "error", err)
	}
}

func (h *Handler) reply(w http.ResponseWriter, status int, outcome string, body response) {
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// MemoryDeduper is an in-process Deduper for single-instance setups.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time // delivery ID -> expiry
	now  func() time.Time
}

// NewMemoryDeduper creates an empty deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), now: time.Now}
}

// ClaimDelivery implements Deduper.
func (d *MemoryDeduper) ClaimDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[deliveryID]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[deliveryID] = now.Add(ttl)

	// Sweep expired entries once the map grows.
	if len(d.seen) > 10000 {
		for id, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, id)
			}
		}
	}
	return true, nil
}

// ReleaseDelivery implements Deduper.
func (d *MemoryDeduper) ReleaseDelivery(ctx context.Context, deliveryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, deliveryID)
	return nil
}
