package registry

import (
	"time"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
)

// Pending payments are deliberately process-local: a record lost to a restart
// only means the user restarts the payment.

// PutPendingPayment records a payment awaiting manual bank-side approval.
func (r *Registry) PutPendingPayment(payment *domain.PendingPayment) {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	copied := *payment
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	r.pending[payment.ObligationID] = &copied
}

// GetPendingPayment looks up the pending payment for an obligation.
func (r *Registry) GetPendingPayment(obligationID string) (*domain.PendingPayment, error) {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	payment, ok := r.pending[obligationID]
	if !ok {
		return nil, engerr.ErrPendingPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

// DeletePendingPayment consumes the pending payment record once the payment
// reached a terminal outcome.
func (r *Registry) DeletePendingPayment(obligationID string) {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	delete(r.pending, obligationID)
}

// PendingPayments returns a snapshot of all payments awaiting approval.
func (r *Registry) PendingPayments() []*domain.PendingPayment {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	out := make([]*domain.PendingPayment, 0, len(r.pending))
	for _, payment := range r.pending {
		copied := *payment
		out = append(out, &copied)
	}
	return out
}
