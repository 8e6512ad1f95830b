package memstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
)

func TestConsentStore_SaveAndLookup(t *testing.T) {
	store := NewConsentStore()
	ctx := context.Background()

	consent := &domain.Consent{
		RequestID: "req-1",
		Provider:  "sbank",
		SubjectID: "subject-1",
		State:     domain.ConsentStatePendingApproval,
	}
	require.NoError(t, store.Save(ctx, consent))

	got, err := store.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentStatePendingApproval, got.State)

	_, err = store.GetByID(ctx, "req-1")
	assert.ErrorIs(t, err, engerr.ErrConsentNotFound)

	// Resolving sets the provider-issued id; the record becomes reachable
	// both ways and stays a single record.
	consent.ID = "consent-1"
	consent.State = domain.ConsentStateAuthorized
	require.NoError(t, store.Save(ctx, consent))

	byID, err := store.GetByID(ctx, "consent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentStateAuthorized, byID.State)
	assert.Equal(t, "req-1", byID.RequestID)

	all, err := store.ListBySubject(ctx, "subject-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConsentStore_ReturnsCopies(t *testing.T) {
	store := NewConsentStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.Consent{
		ID:        "consent-1",
		Provider:  "abank",
		SubjectID: "subject-1",
		State:     domain.ConsentStateAuthorized,
	}))

	got, err := store.GetByID(ctx, "consent-1")
	require.NoError(t, err)
	got.State = domain.ConsentStateRevoked

	again, err := store.GetByID(ctx, "consent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentStateAuthorized, again.State)
}

func TestConsentStore_ListPending(t *testing.T) {
	store := NewConsentStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.Consent{
		RequestID: "req-1", Provider: "sbank", SubjectID: "s1",
		State: domain.ConsentStatePendingApproval,
	}))
	require.NoError(t, store.Save(ctx, &domain.Consent{
		ID: "consent-2", Provider: "abank", SubjectID: "s1",
		State: domain.ConsentStateAuthorized,
	}))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-1", pending[0].RequestID)
}

func TestObligationStore_PeriodAndStatusQueries(t *testing.T) {
	store := NewObligationStore()
	ctx := context.Background()

	save := func(id, subject, period string, status domain.ObligationStatus) {
		require.NoError(t, store.Save(ctx, &domain.TaxObligation{
			ID:        id,
			SubjectID: subject,
			Period:    period,
			Amount:    decimal.NewFromInt(1000),
			Currency:  "RUB",
			Status:    status,
		}))
	}
	save("ob-1", "s1", "2026-06", domain.ObligationStatusPaid)
	save("ob-2", "s1", "2026-07", domain.ObligationStatusPending)
	save("ob-3", "s2", "2026-07", domain.ObligationStatusPending)

	byPeriod, err := store.GetByPeriod(ctx, "s1", "2026-07")
	require.NoError(t, err)
	assert.Equal(t, "ob-2", byPeriod.ID)

	_, err = store.GetByPeriod(ctx, "s1", "2026-05")
	assert.ErrorIs(t, err, engerr.ErrObligationNotFound)

	all, err := store.List(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest period first.
	assert.Equal(t, "ob-2", all[0].ID)

	paid, err := store.List(ctx, "s1", domain.ObligationStatusPaid)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, "ob-1", paid[0].ID)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, engerr.ErrObligationNotFound)
}
