// Package events is the billing pipeline. Clicks are billable and run
// synchronously through claim, debit, spend and persistence; impressions are
// free and flow through a bounded queue drained by a background worker, so a
// slow analytics store can never back-pressure ad serving.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/analytics"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
	"github.com/brokeratlas/marketplace/internal/wallet"
)

// ErrDuplicateClick means the click ID was already billed. The caller treats
// this as success without charging again.
var ErrDuplicateClick = errors.New("click already recorded")

// claimTTL bounds how long a click ID stays claimed. Replays a day later are
// indistinguishable from new clicks and bill again; the window only needs to
// cover client retry storms.
const claimTTL = 24 * time.Hour

// Claimer reserves click IDs for at-most-once billing.
type Claimer interface {
	ClaimClick(ctx context.Context, clickID string, ttl time.Duration) (bool, error)
	ReleaseClick(ctx context.Context, clickID string) error
}

// ClickStore persists click rows and the authoritative campaign spend.
type ClickStore interface {
	InsertClick(ctx context.Context, ev models.ClickEvent) error
	AddCampaignSpend(ctx context.Context, campaignID int, deltaCents int64) error
}

// ImpressionCounter tracks daily impression totals per campaign.
type ImpressionCounter interface {
	IncrementImpressionCount(ctx context.Context, campaignID int, placement string) (int64, error)
}

// ClickRequest carries one verified click into the billing pipeline. The
// billing fields come from a verified click token, never from client input.
type ClickRequest struct {
	ID         string
	CampaignID int
	BrokerSlug string
	RateCents  int64
	Page       string
	Placement  string
	SessionID  string
	UserAgent  string
	DeviceType string
	Country    string
	IPHash     string
}

// Recorder coordinates click billing and asynchronous impression recording.
type Recorder struct {
	ledger  *wallet.Ledger
	store   models.CampaignStore
	clicks  ClickStore
	claimer Claimer
	counter ImpressionCounter
	sink    analytics.Sink
	metrics observability.MetricsRegistry
	logger  *zap.Logger
	imprCh  chan models.ImpressionEvent
	now     func() time.Time
}

// Options carries the optional collaborators; nil fields disable the
// corresponding feature rather than failing.
type Options struct {
	Counter   ImpressionCounter
	Sink      analytics.Sink
	Metrics   observability.MetricsRegistry
	Logger    *zap.Logger
	QueueSize int
}

func NewRecorder(ledger *wallet.Ledger, store models.CampaignStore, clicks ClickStore, claimer Claimer, opts Options) *Recorder {
	if opts.Metrics == nil {
		opts.Metrics = &observability.NoOpRegistry{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Recorder{
		ledger:  ledger,
		store:   store,
		clicks:  clicks,
		claimer: claimer,
		counter: opts.Counter,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		imprCh:  make(chan models.ImpressionEvent, opts.QueueSize),
		now:     time.Now,
	}
}

// RecordClick bills one click at most once and persists its row. On success
// the returned event has Billed set and carries the ledger transaction ID.
//
// Failure handling is asymmetric around the debit. Before the debit commits,
// any failure releases the click claim so a client retry can bill cleanly.
// After the debit commits, nothing is ever rolled back: follow-up failures
// mark the row NeedsReconciliation and the money stays moved.
func (r *Recorder) RecordClick(ctx context.Context, req ClickRequest) (*models.ClickEvent, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CampaignID <= 0 || req.BrokerSlug == "" {
		r.metrics.IncrementClickOutcome("rejected")
		return nil, fmt.Errorf("click requires campaign and broker")
	}
	if req.RateCents <= 0 {
		r.metrics.IncrementClickOutcome("rejected")
		return nil, fmt.Errorf("click rate must be positive, got %d", req.RateCents)
	}

	claimed, err := r.claimer.ClaimClick(ctx, req.ID, claimTTL)
	if err != nil {
		r.metrics.IncrementClickOutcome("error")
		return nil, fmt.Errorf("claim click %s: %w", req.ID, err)
	}
	if !claimed {
		r.metrics.IncrementClickOutcome("duplicate")
		return nil, ErrDuplicateClick
	}

	reason := fmt.Sprintf("click:%s campaign:%d", req.ID, req.CampaignID)
	tx, err := r.ledger.Debit(ctx, req.BrokerSlug, req.RateCents, reason)
	if err != nil {
		r.releaseClaim(ctx, req.ID)
		switch {
		case errors.Is(err, wallet.ErrInsufficientFunds):
			r.metrics.IncrementClickOutcome("insufficient_funds")
			// An unfunded click is still a real click: record it unbilled.
			// Spend stays untouched, and a retry after a top-up upgrades
			// the row in place.
			r.recordUnbilled(ctx, req)
		case errors.Is(err, wallet.ErrWalletNotFound):
			r.metrics.IncrementClickOutcome("rejected")
		default:
			r.metrics.IncrementClickOutcome("error")
		}
		return nil, err
	}

	ev := models.ClickEvent{
		ID:            req.ID,
		CampaignID:    req.CampaignID,
		BrokerSlug:    req.BrokerSlug,
		RateCents:     req.RateCents,
		Billed:        true,
		TransactionID: tx.ID,
		IPHash:        req.IPHash,
		UserAgent:     req.UserAgent,
		SessionID:     req.SessionID,
		Page:          req.Page,
		Placement:     req.Placement,
		DeviceType:    req.DeviceType,
		Country:       req.Country,
		CreatedAt:     r.now().UTC(),
	}

	// The debit is committed; everything below is best effort.
	if err := r.clicks.AddCampaignSpend(ctx, req.CampaignID, req.RateCents); err != nil {
		ev.NeedsReconciliation = true
		r.metrics.IncrementReconciliationRequired()
		r.logger.Error("campaign spend update failed after debit",
			zap.String("click_id", req.ID),
			zap.Int("campaign_id", req.CampaignID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	} else if err := r.store.AddCampaignSpend(req.CampaignID, req.RateCents); err != nil {
		// The read model lags until the next reload; billing is unaffected.
		r.logger.Warn("in-memory spend update failed",
			zap.Int("campaign_id", req.CampaignID), zap.Error(err))
	}
	if c := r.store.GetCampaign(req.CampaignID); c != nil {
		r.metrics.SetCampaignSpend(c.Name, c.SpendCents)
	}

	if err := r.clicks.InsertClick(ctx, ev); err != nil {
		if !ev.NeedsReconciliation {
			ev.NeedsReconciliation = true
			r.metrics.IncrementReconciliationRequired()
		}
		r.logger.Error("click row insert failed after debit",
			zap.String("click_id", req.ID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}

	if r.sink != nil {
		if err := r.sink.RecordClick(ctx, ev); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
			r.logger.Warn("analytics click insert failed", zap.String("click_id", req.ID), zap.Error(err))
		}
	}

	r.metrics.IncrementClickOutcome("billed")
	r.metrics.IncrementEvent("click")
	return &ev, nil
}

func (r *Recorder) recordUnbilled(ctx context.Context, req ClickRequest) {
	ev := models.ClickEvent{
		ID:         req.ID,
		CampaignID: req.CampaignID,
		BrokerSlug: req.BrokerSlug,
		RateCents:  req.RateCents,
		Billed:     false,
		IPHash:     req.IPHash,
		UserAgent:  req.UserAgent,
		SessionID:  req.SessionID,
		Page:       req.Page,
		Placement:  req.Placement,
		DeviceType: req.DeviceType,
		Country:    req.Country,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.clicks.InsertClick(ctx, ev); err != nil {
		r.logger.Warn("unbilled click insert failed", zap.String("click_id", req.ID), zap.Error(err))
	}
	if r.sink != nil {
		if err := r.sink.RecordClick(ctx, ev); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
			r.logger.Warn("analytics click insert failed", zap.String("click_id", req.ID), zap.Error(err))
		}
	}
}

func (r *Recorder) releaseClaim(ctx context.Context, clickID string) {
	if err := r.claimer.ReleaseClick(ctx, clickID); err != nil {
		// The claim expires on its own; a stuck claim only delays a retry.
		r.logger.Warn("click claim release failed", zap.String("click_id", clickID), zap.Error(err))
	}
}

// RecordImpression enqueues an impression for the background worker and
// reports whether it was accepted. A full queue drops the event; impressions
// are advisory and the serving path never blocks on them.
func (r *Recorder) RecordImpression(ev models.ImpressionEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	select {
	case r.imprCh <- ev:
		return true
	default:
		r.metrics.IncrementImpressionsDropped()
		r.logger.Warn("impression queue full, dropping event",
			zap.Int("campaign_id", ev.CampaignID))
		return false
	}
}

// Run drains the impression queue until ctx is cancelled, then finishes any
// events already buffered.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.imprCh:
					r.processImpression(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-r.imprCh:
			r.processImpression(ctx, ev)
		}
	}
}

func (r *Recorder) processImpression(ctx context.Context, ev models.ImpressionEvent) {
	if r.counter != nil {
		if _, err := r.counter.IncrementImpressionCount(ctx, ev.CampaignID, ev.Placement); err != nil {
			r.logger.Warn("impression counter update failed",
				zap.Int("campaign_id", ev.CampaignID), zap.Error(err))
		}
	}
	if r.sink != nil {
		if err := r.sink.RecordImpression(ctx, ev); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
			r.logger.Warn("analytics impression insert failed",
				zap.Int("campaign_id", ev.CampaignID), zap.Error(err))
		}
	}
	r.metrics.IncrementEvent("impression")
}
