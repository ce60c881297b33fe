package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/fiat"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/ratelimit"
)

// maxBodyBytes bounds the request body a provider may send; larger bodies
// are rejected before signature verification is attempted.
const maxBodyBytes = 1 << 20

// endpointLimit is the per-endpoint request ceiling for the webhook
// ingress, in requests per minute.
const endpointLimit = 120

// disbursementPayload is the shape accepted on the disbursement
// confirmation endpoint. Field names follow the provider's wire contract,
// not Go convention, since this struct is a decode target only.
type disbursementPayload struct {
	LoanID         string `json:"loan_id"`
	ProviderRef    string `json:"provider_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountKes      string `json:"amount_kes"`
	Timestamp      string `json:"timestamp"`
	Nonce          string `json:"nonce"`
}

// repaymentPayload is the shape accepted on the repayment endpoint.
type repaymentPayload struct {
	LoanID         string `json:"loan_id"`
	ProviderRef    string `json:"provider_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountKes      string `json:"amount_kes"`
	ExpectedAmount string `json:"expected_amount"`
	PhoneNumber    string `json:"phone_number"`
	Timestamp      string `json:"timestamp"`
	Nonce          string `json:"nonce"`
}

// Handler terminates provider webhooks: it verifies the signature and
// freshness, claims the replay nonce, and dispatches into the fiat state
// machines. Every request that passes signature verification receives a 200
// regardless of downstream outcome — the provider's retry semantics are
// "retry until 2xx", and a fiat-layer rejection (bad amount, unknown loan)
// is not something a provider retry could ever fix.
type Handler struct {
	db           *gorm.DB
	disbursement *fiat.DisbursementMachine
	repayment    *fiat.RepaymentMachine
	limiter      *ratelimit.Limiter
	secrets      map[string]string // provider name -> shared HMAC secret
	log          *slog.Logger
}

// NewHandler constructs a Handler. secrets maps provider name (the
// {provider} path segment) to its shared HMAC secret.
func NewHandler(db *gorm.DB, disbursement *fiat.DisbursementMachine, repayment *fiat.RepaymentMachine, secrets map[string]string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		db:           db,
		disbursement: disbursement,
		repayment:    repayment,
		limiter:      ratelimit.New(ratelimit.WithWindow(time.Minute)),
		secrets:      secrets,
		log:          log,
	}
}

// ServeDisbursement handles POST /webhooks/{provider}/disbursement.
func (h *Handler) ServeDisbursement(provider string) http.HandlerFunc {
	const endpoint = "disbursement"
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := h.verify(w, r, provider, endpoint)
		if !ok {
			return
		}
		var payload disbursementPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			h.deadLetter(r.Context(), provider, endpoint, "malformed_payload", body)
			h.ack(w, "malformed payload")
			return
		}
		ts, err := ParseProviderTimestamp(payload.Timestamp)
		if err != nil || !IsFresh(ts, time.Now().UTC()) {
			h.log.WarnContext(r.Context(), "webhook: stale or unparsable timestamp",
				slog.String("provider", provider), slog.String("raw", payload.Timestamp))
			h.deadLetter(r.Context(), provider, endpoint, "stale_or_unparsable_timestamp", body)
			h.ack(w, "stale webhook discarded")
			return
		}
		nonce := payload.Nonce
		if nonce == "" {
			nonce = payload.IdempotencyKey
		}
		claimed, err := ClaimNonce(r.Context(), h.db, provider, nonce)
		if err != nil {
			h.log.ErrorContext(r.Context(), "webhook: claim nonce failed", slog.String("err", err.Error()))
			h.deadLetter(r.Context(), provider, endpoint, "nonce_claim_error", body)
			h.ack(w, "internal error recorded")
			return
		}
		if !claimed {
			WebhookMetrics().Replayed.WithLabelValues(provider, endpoint).Inc()
			h.deadLetter(r.Context(), provider, endpoint, "nonce_replay", body)
			h.ack(w, "replay ignored")
			return
		}
		_, err = h.disbursement.HandleDisbursementConfirmed(r.Context(), fiat.HandleDisbursementConfirmedParams{
			ProviderRef:    payload.ProviderRef,
			IdempotencyKey: payload.IdempotencyKey,
			RawPayload:     body,
			AmountKes:      payload.AmountKes,
			Timestamp:      ts,
		})
		if err != nil {
			h.log.WarnContext(r.Context(), "webhook: disbursement confirmation rejected",
				slog.String("err", err.Error()), slog.String("loan_id", payload.LoanID))
		}
		WebhookMetrics().Accepted.WithLabelValues(provider, endpoint).Inc()
		h.ack(w, "accepted")
	}
}

// ServeRepayment handles POST /webhooks/{provider}/repayment.
func (h *Handler) ServeRepayment(provider string) http.HandlerFunc {
	const endpoint = "repayment"
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := h.verify(w, r, provider, endpoint)
		if !ok {
			return
		}
		var payload repaymentPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			h.deadLetter(r.Context(), provider, endpoint, "malformed_payload", body)
			h.ack(w, "malformed payload")
			return
		}
		ts, err := ParseProviderTimestamp(payload.Timestamp)
		if err != nil || !IsFresh(ts, time.Now().UTC()) {
			h.log.WarnContext(r.Context(), "webhook: stale or unparsable timestamp",
				slog.String("provider", provider), slog.String("raw", payload.Timestamp))
			h.deadLetter(r.Context(), provider, endpoint, "stale_or_unparsable_timestamp", body)
			h.ack(w, "stale webhook discarded")
			return
		}
		nonce := payload.Nonce
		if nonce == "" {
			nonce = payload.IdempotencyKey
		}
		claimed, err := ClaimNonce(r.Context(), h.db, provider, nonce)
		if err != nil {
			h.log.ErrorContext(r.Context(), "webhook: claim nonce failed", slog.String("err", err.Error()))
			h.deadLetter(r.Context(), provider, endpoint, "nonce_claim_error", body)
			h.ack(w, "internal error recorded")
			return
		}
		if !claimed {
			WebhookMetrics().Replayed.WithLabelValues(provider, endpoint).Inc()
			h.deadLetter(r.Context(), provider, endpoint, "nonce_replay", body)
			h.ack(w, "replay ignored")
			return
		}
		_, err = h.repayment.HandleRepayment(r.Context(), fiat.HandleRepaymentParams{
			LoanID:         payload.LoanID,
			ProviderRef:    payload.ProviderRef,
			IdempotencyKey: payload.IdempotencyKey,
			RawPayload:     body,
			AmountKes:      payload.AmountKes,
			ExpectedAmount: payload.ExpectedAmount,
			PhoneNumber:    payload.PhoneNumber,
			Timestamp:      ts,
		})
		if err != nil {
			h.log.WarnContext(r.Context(), "webhook: repayment rejected",
				slog.String("err", err.Error()), slog.String("loan_id", payload.LoanID))
		}
		WebhookMetrics().Accepted.WithLabelValues(provider, endpoint).Inc()
		h.ack(w, "accepted")
	}
}

// verify applies the rate limit, reads and bounds the body, and checks the
// HMAC signature. The endpoint never returns a non-2xx for a condition the
// provider caused — a provider that sees anything but 200 retries forever —
// so every rejection here is recorded as a dead letter and acknowledged
// rather than answered with an HTTP error.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request, provider, endpoint string) (body []byte, ok bool) {
	ctx := r.Context()
	if !h.limiter.Allow("webhook:"+provider+":"+endpoint, endpointLimit, time.Now().UTC()) {
		h.log.WarnContext(ctx, "webhook: rate limited", slog.String("provider", provider))
		h.deadLetter(ctx, provider, endpoint, "rate_limited", nil)
		h.ack(w, "rate limited, discarded")
		return nil, false
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(raw) > maxBodyBytes {
		h.deadLetter(ctx, provider, endpoint, "body_too_large", nil)
		h.ack(w, "body too large, discarded")
		return nil, false
	}

	secret, known := h.secrets[provider]
	if !known {
		h.deadLetter(ctx, provider, endpoint, "unknown_provider", raw)
		h.ack(w, "unknown provider, discarded")
		return nil, false
	}

	sig := r.Header.Get("x-" + strings.ToLower(provider) + "-signature")
	if err := VerifySignature(secret, raw, sig); err != nil {
		h.log.WarnContext(ctx, "webhook: signature rejected", slog.String("provider", provider))
		h.deadLetter(ctx, provider, endpoint, "invalid_signature", raw)
		h.ack(w, "signature rejected, discarded")
		return nil, false
	}
	return raw, true
}

// deadLetter durably records a delivery this handler could not or would not
// process, labeled with the reason it was rejected, so an operator can
// inspect and replay it out-of-band. A failure to persist the row is logged,
// never surfaced to the provider — the HTTP response it feeds into is
// always-ACK regardless.
func (h *Handler) deadLetter(ctx context.Context, provider, endpoint, reason string, raw []byte) {
	WebhookMetrics().DeadLettered.WithLabelValues(provider, endpoint, reason).Inc()
	row := models.WebhookDeadLetter{
		ID:         uuid.New(),
		Provider:   provider,
		Endpoint:   endpoint,
		Reason:     reason,
		RawPayload: string(raw),
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.db.WithContext(ctx).Create(&row).Error; err != nil {
		h.log.ErrorContext(ctx, "webhook: dead-letter persist failed",
			slog.String("provider", provider), slog.String("reason", reason), slog.String("err", err.Error()))
	}
}

func (h *Handler) ack(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "detail": message})
}
