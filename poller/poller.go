// Package poller runs the background approval loop: it watches consents and
// payments parked in pending_approval and drives them to a terminal state by
// polling the bank, giving up after a bounded number of attempts.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/internal/metrics"
	"github.com/selfwork/taxgate/registry"
	"github.com/selfwork/taxgate/services"
)

// Poller supervises one lightweight watch task per pending record. Each
// record is polled by at most one task at a time: tasks are deduplicated by
// a reservation on the request id, so racing scan cycles never double-poll.
type Poller struct {
	registry    *registry.Registry
	banks       map[string]bank.Client
	payments    *services.PaymentService
	interval    time.Duration
	maxAttempts int
	callTimeout time.Duration

	mu     sync.Mutex
	active map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a poller. interval spaces both scan cycles and poll attempts;
// maxAttempts bounds how long a record may stay pending before it expires.
func New(
	reg *registry.Registry,
	banks map[string]bank.Client,
	payments *services.PaymentService,
	interval time.Duration,
	maxAttempts int,
	callTimeout time.Duration,
) *Poller {
	return &Poller{
		registry:    reg,
		banks:       banks,
		payments:    payments,
		interval:    interval,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		active:      make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the supervisor loop. It returns immediately.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			p.scan(ctx)
			select {
			case <-ticker.C:
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the supervisor and waits for in-flight watch tasks.
func (p *Poller) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// reserve claims a record for polling. It returns false when another task
// already holds it.
func (p *Poller) reserve(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.active[key]; held {
		return false
	}
	p.active[key] = struct{}{}
	return true
}

func (p *Poller) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, key)
}

func (p *Poller) scan(ctx context.Context) {
	pending, err := p.registry.Pending(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("poller failed to list pending consents")
	}
	for _, consent := range pending {
		key := "consent:" + consent.RequestID
		if !p.reserve(key) {
			continue
		}
		p.wg.Add(1)
		go func(consent *domain.Consent) {
			defer p.wg.Done()
			defer p.release(key)
			p.watchConsent(ctx, consent)
		}(consent)
	}

	for _, payment := range p.registry.PendingPayments() {
		key := "payment:" + payment.RequestID
		if !p.reserve(key) {
			continue
		}
		p.wg.Add(1)
		go func(payment *domain.PendingPayment) {
			defer p.wg.Done()
			defer p.release(key)
			p.watchPayment(ctx, payment)
		}(payment)
	}
}

// watchConsent polls one pending consent until the bank settles it or the
// attempt bound runs out, at which point the consent expires.
func (p *Poller) watchConsent(ctx context.Context, consent *domain.Consent) {
	client, ok := p.banks[consent.Provider]
	if !ok {
		log.Ctx(ctx).Error().
			Str("provider", consent.Provider).
			Msg("pending consent references unknown provider")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ticker.C:
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}

		// A user-triggered resolve may have settled the record while we
		// waited.
		current, err := p.registry.GetByRequestID(ctx, consent.RequestID)
		if err == nil && current.State.Resolved() {
			return
		}

		metrics.PollAttemptsTotal.Inc()
		result, err := p.pollConsent(ctx, client, consent.RequestID)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("provider", consent.Provider).
				Str("request_id", consent.RequestID).
				Int("attempt", attempt).
				Msg("consent status poll failed")
			continue
		}
		if result.State == domain.ConsentStatePendingApproval {
			continue
		}

		resolved, err := p.registry.Resolve(ctx, consent.RequestID, result)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("request_id", consent.RequestID).
				Msg("failed to resolve polled consent")
			return
		}
		metrics.ConsentsResolvedTotal.WithLabelValues(string(resolved.State)).Inc()
		return
	}

	if _, err := p.registry.Expire(ctx, consent.RequestID); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("request_id", consent.RequestID).
			Msg("failed to expire pending consent")
		return
	}
	metrics.PollExpirationsTotal.Inc()
	metrics.ConsentsResolvedTotal.WithLabelValues(string(domain.ConsentStateExpired)).Inc()
	log.Ctx(ctx).Info().
		Str("provider", consent.Provider).
		Str("request_id", consent.RequestID).
		Int("attempts", p.maxAttempts).
		Msg("pending consent expired after attempt bound")
}

func (p *Poller) pollConsent(ctx context.Context, client bank.Client, requestID string) (*bank.ConsentResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return client.GetConsentStatus(callCtx, requestID)
}

// watchPayment polls one pending payment through the payment service, which
// owns the exactly-once submission discipline.
func (p *Poller) watchPayment(ctx context.Context, payment *domain.PendingPayment) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ticker.C:
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}

		metrics.PollAttemptsTotal.Inc()
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		outcome, err := p.payments.ConfirmApproval(callCtx, payment.ObligationID)
		cancel()
		if err != nil {
			if err == engerr.ErrPendingPaymentNotFound {
				// Confirmed or failed through the user path already.
				return
			}
			log.Ctx(ctx).Warn().Err(err).
				Str("obligation_id", payment.ObligationID).
				Int("attempt", attempt).
				Msg("payment approval poll failed")
			if engerr.IsConsentInvalid(err) {
				return
			}
			continue
		}
		if outcome.Status == services.PaymentOutcomePaid {
			return
		}
	}

	if err := p.payments.ExpirePendingPayment(ctx, payment.ObligationID); err != nil &&
		err != engerr.ErrPendingPaymentNotFound {
		log.Ctx(ctx).Warn().Err(err).
			Str("obligation_id", payment.ObligationID).
			Msg("failed to expire pending payment")
	}
}
