package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
)

// ConsentRepository implements domain.ConsentRepository on MongoDB.
type ConsentRepository struct {
	consents *mongo.Collection
}

func NewConsentRepository(db *mongo.Database) *ConsentRepository {
	return &ConsentRepository{
		consents: db.Collection(ConsentsCollection),
	}
}

func consentKey(consent *domain.Consent) bson.M {
	if consent.RequestID != "" {
		return bson.M{"request_id": consent.RequestID}
	}
	return bson.M{"consent_id": consent.ID}
}

// Save upserts a consent keyed by its request handle when present, by its
// provider-issued id otherwise.
func (r *ConsentRepository) Save(ctx context.Context, consent *domain.Consent) error {
	opts := options.Replace().SetUpsert(true)
	_, err := r.consents.ReplaceOne(ctx, consentKey(consent), consent, opts)
	return err
}

func (r *ConsentRepository) findOne(ctx context.Context, filter bson.M) (*domain.Consent, error) {
	var result domain.Consent
	err := r.consents.FindOne(ctx, filter).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, engerr.ErrConsentNotFound
		}
		return nil, err
	}
	return &result, nil
}

func (r *ConsentRepository) GetByRequestID(ctx context.Context, requestID string) (*domain.Consent, error) {
	return r.findOne(ctx, bson.M{"request_id": requestID})
}

func (r *ConsentRepository) GetByID(ctx context.Context, consentID string) (*domain.Consent, error) {
	return r.findOne(ctx, bson.M{"consent_id": consentID})
}

func (r *ConsentRepository) findAll(ctx context.Context, filter bson.M) ([]*domain.Consent, error) {
	cursor, err := r.consents.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []*domain.Consent
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *ConsentRepository) ListBySubject(ctx context.Context, subjectID string) ([]*domain.Consent, error) {
	return r.findAll(ctx, bson.M{"subject_id": subjectID})
}

func (r *ConsentRepository) ListPending(ctx context.Context) ([]*domain.Consent, error) {
	return r.findAll(ctx, bson.M{"state": domain.ConsentStatePendingApproval})
}
