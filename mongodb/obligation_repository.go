package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
)

// obligationDoc is the persistence shape for a tax obligation. Amounts are
// stored as strings: decimal.Decimal has no BSON representation and floats
// are not acceptable for money.
type obligationDoc struct {
	ID        string              `bson:"_id"`
	SubjectID string              `bson:"subject_id"`
	Period    string              `bson:"period"`
	Amount    string              `bson:"amount"`
	Currency  string              `bson:"currency"`
	PayerINN  string              `bson:"payer_inn"`
	Recipient domain.TaxRecipient `bson:"recipient"`
	Reference string              `bson:"reference"`

	Status        domain.ObligationStatus `bson:"status"`
	Provider      string                  `bson:"provider,omitempty"`
	AccountID     string                  `bson:"account_id,omitempty"`
	PaymentID     string                  `bson:"payment_id,omitempty"`
	PaidAt        time.Time               `bson:"paid_at,omitempty"`
	FailureReason string                  `bson:"failure_reason,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toObligationDoc(obligation *domain.TaxObligation) *obligationDoc {
	return &obligationDoc{
		ID:            obligation.ID,
		SubjectID:     obligation.SubjectID,
		Period:        obligation.Period,
		Amount:        obligation.Amount.String(),
		Currency:      obligation.Currency,
		PayerINN:      obligation.PayerINN,
		Recipient:     obligation.Recipient,
		Reference:     obligation.Reference,
		Status:        obligation.Status,
		Provider:      obligation.Provider,
		AccountID:     obligation.AccountID,
		PaymentID:     obligation.PaymentID,
		PaidAt:        obligation.PaidAt,
		FailureReason: obligation.FailureReason,
		CreatedAt:     obligation.CreatedAt,
		UpdatedAt:     obligation.UpdatedAt,
	}
}

func (d *obligationDoc) toDomain() (*domain.TaxObligation, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("stored obligation %s has unreadable amount %q: %w", d.ID, d.Amount, err)
	}
	return &domain.TaxObligation{
		ID:            d.ID,
		SubjectID:     d.SubjectID,
		Period:        d.Period,
		Amount:        amount,
		Currency:      d.Currency,
		PayerINN:      d.PayerINN,
		Recipient:     d.Recipient,
		Reference:     d.Reference,
		Status:        d.Status,
		Provider:      d.Provider,
		AccountID:     d.AccountID,
		PaymentID:     d.PaymentID,
		PaidAt:        d.PaidAt,
		FailureReason: d.FailureReason,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

// ObligationRepository implements domain.ObligationRepository on MongoDB.
type ObligationRepository struct {
	obligations *mongo.Collection
}

func NewObligationRepository(db *mongo.Database) *ObligationRepository {
	return &ObligationRepository{
		obligations: db.Collection(ObligationsCollection),
	}
}

func (r *ObligationRepository) Save(ctx context.Context, obligation *domain.TaxObligation) error {
	opts := options.Replace().SetUpsert(true)
	doc := toObligationDoc(obligation)
	_, err := r.obligations.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	return err
}

func (r *ObligationRepository) findOne(ctx context.Context, filter bson.M) (*domain.TaxObligation, error) {
	var doc obligationDoc
	err := r.obligations.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, engerr.ErrObligationNotFound
		}
		return nil, err
	}
	return doc.toDomain()
}

func (r *ObligationRepository) Get(ctx context.Context, id string) (*domain.TaxObligation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *ObligationRepository) GetByPeriod(ctx context.Context, subjectID, period string) (*domain.TaxObligation, error) {
	return r.findOne(ctx, bson.M{"subject_id": subjectID, "period": period})
}

func (r *ObligationRepository) List(ctx context.Context, subjectID string, status domain.ObligationStatus) ([]*domain.TaxObligation, error) {
	filter := bson.M{"subject_id": subjectID}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "period", Value: -1}})

	cursor, err := r.obligations.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []obligationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	results := make([]*domain.TaxObligation, 0, len(docs))
	for i := range docs {
		obligation, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, obligation)
	}
	return results, nil
}
