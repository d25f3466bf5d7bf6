// Package review gates product reviews on delivered orders.
//
// ReviewExists is a fast path; the unique (product, user, order) index is
// the authoritative guard, and its violation is reported the same way.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storefront/internal/apperr"
	"storefront/internal/metrics"
	"storefront/internal/store"
	"storefront/internal/validation"
	"storefront/models"
	"storefront/pkg/logger"
)

type SubmitInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	OrderID   uuid.UUID `json:"order_id" validate:"required"`
	Rating    int       `json:"rating" validate:"min=1,max=5"`
	Comment   string    `json:"comment" validate:"max=2000"`
}

type ReplyInput struct {
	ReviewID uuid.UUID `json:"review_id" validate:"required"`
	Reply    string    `json:"reply" validate:"required,max=2000"`
}

type Service struct {
	store store.Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewService(s store.Store, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: s, now: now, log: logger.With("review")}
}

// Submit records a review by actor for a product of one of their delivered
// orders.
func (s *Service) Submit(ctx context.Context, actor models.Actor, in SubmitInput) (_ *models.Review, err error) {
	start := time.Now()
	defer func() { metrics.RecordCommand(models.CommandSubmitReview, apperr.Code(err), time.Since(start)) }()

	in.Comment = strings.TrimSpace(in.Comment)
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}

	var out models.Review
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, in.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("order %s: %w", in.OrderID, apperr.ErrNotEligible)
		}
		if err != nil {
			return fmt.Errorf("get order %s: %w", in.OrderID, err)
		}
		if !eligible(order, actor.UserID, in.ProductID) {
			return fmt.Errorf("product %s of order %s: %w", in.ProductID, order.OrderNumber, apperr.ErrNotEligible)
		}

		exists, err := tx.ReviewExists(ctx, in.ProductID, actor.UserID, in.OrderID)
		if err != nil {
			return fmt.Errorf("check existing review: %w", err)
		}
		if exists {
			return apperr.ErrDuplicateReview
		}

		out = models.Review{
			ID:        uuid.New(),
			ProductID: in.ProductID,
			UserID:    actor.UserID,
			OrderID:   in.OrderID,
			Rating:    in.Rating,
			Comment:   in.Comment,
			CreatedAt: s.now(),
		}
		if err := tx.InsertReview(ctx, &out); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.ErrDuplicateReview
			}
			return fmt.Errorf("insert review: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("review_id", out.ID.String()).
		Str("product_id", out.ProductID.String()).
		Str("order_id", out.OrderID.String()).
		Int("rating", out.Rating).
		Msg("review submitted")
	return &out, nil
}

func eligible(o *models.Order, userID, productID uuid.UUID) bool {
	if o.UserID != userID || o.Status != models.OrderDelivered {
		return false
	}
	for _, it := range o.Items {
		if it.ProductID == productID {
			return true
		}
	}
	return false
}

func (s *Service) ListForProduct(ctx context.Context, productID uuid.UUID) ([]models.Review, error) {
	return s.store.ListReviews(ctx, store.ReviewFilter{ProductID: &productID})
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Review, error) {
	return s.store.ListReviews(ctx, store.ReviewFilter{UserID: &userID})
}

func (s *Service) ListAll(ctx context.Context, actor models.Actor) ([]models.Review, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("list all reviews: %w", apperr.ErrForbidden)
	}
	return s.store.ListReviews(ctx, store.ReviewFilter{})
}

// Reply sets the admin reply of a review, replacing any earlier one.
func (s *Service) Reply(ctx context.Context, actor models.Actor, in ReplyInput) (*models.Review, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("reply to review: %w", apperr.ErrForbidden)
	}
	in.Reply = strings.TrimSpace(in.Reply)
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	r, err := s.store.ReplyToReview(ctx, in.ReviewID, in.Reply, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("review %s: %w", in.ReviewID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reply to review %s: %w", in.ReviewID, err)
	}
	return r, nil
}
