package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/store"
)

const maxReviewComment = 1000

// BookReviews is the public review page of a book.
type BookReviews struct {
	BookID        int64           `json:"bookId"`
	TotalReviews  int             `json:"totalReviews"`
	AverageRating float64         `json:"averageRating"`
	RatingCounts  map[int]int     `json:"ratingCounts"`
	Reviews       []models.Review `json:"reviews"`
}

// ReviewService lets borrowers rate books they have borrowed and returned.
type ReviewService struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.Logger
}

func NewReviewService(st store.Store, clk clock.Clock, logger *zap.Logger) *ReviewService {
	return &ReviewService{store: st, clock: clk, logger: logger.Named("reviews")}
}

func validateReview(rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return NewValidationError("rating", "rating must be between 1 and 5")
	}
	if utf8.RuneCountInString(comment) > maxReviewComment {
		return NewValidationError("comment", "comment must be at most 1000 characters")
	}
	return nil
}

// CreateReview records the user's single review of a book. The user must have
// returned a copy of it.
func (s *ReviewService) CreateReview(ctx context.Context, userID string, bookID int64, rating int, comment string) (*models.Review, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	comment = strings.TrimSpace(comment)
	if err := validateReview(rating, comment); err != nil {
		return nil, err
	}

	var review *models.Review
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		book, err := repo.GetBook(ctx, bookID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && book.IsDeleted) {
			return ErrBookNotFound.With("book %d not found", bookID)
		}
		if err != nil {
			return wrapInfra("load book", err)
		}

		returned, err := repo.ListBorrows(ctx, store.BorrowFilter{
			UserID:   userID,
			BookID:   bookID,
			Statuses: []models.BorrowStatus{models.BorrowStatusReturned},
			Limit:    1,
		})
		if err != nil {
			return wrapInfra("list borrows", err)
		}
		if len(returned) == 0 {
			return ErrReviewNotAllowed.With("user %s has not returned book %d", userID, bookID)
		}

		now := s.clock.Now()
		review = &models.Review{
			UserID:    userID,
			BookID:    bookID,
			Rating:    rating,
			Comment:   comment,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = repo.CreateReview(ctx, review)
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyReviewed.With("user %s already reviewed book %d", userID, bookID)
		}
		return wrapInfra("create review", err)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("review created",
		zap.Int64("review_id", review.ID),
		zap.Int64("book_id", bookID),
		zap.String("user_id", userID),
		zap.Int("rating", rating))
	return review, nil
}

// UpdateReview changes the rating and comment. Other users' reviews read as not found.
func (s *ReviewService) UpdateReview(ctx context.Context, userID string, reviewID int64, rating int, comment string) (*models.Review, error) {
	comment = strings.TrimSpace(comment)
	if err := validateReview(rating, comment); err != nil {
		return nil, err
	}

	var review *models.Review
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		review, err = repo.GetReview(ctx, reviewID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && review.UserID != userID) {
			return ErrReviewNotFound.With("review %d not found", reviewID)
		}
		if err != nil {
			return wrapInfra("load review", err)
		}
		review.Rating = rating
		review.Comment = comment
		review.UpdatedAt = s.clock.Now()
		return wrapInfra("update review", repo.UpdateReview(ctx, review))
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// BookReviews lists a book's reviews, newest first, with the rating summary.
func (s *ReviewService) BookReviews(ctx context.Context, bookID int64) (*BookReviews, error) {
	page := &BookReviews{BookID: bookID, RatingCounts: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}
	err := s.store.View(ctx, func(repo store.Repository) error {
		book, err := repo.GetBook(ctx, bookID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && book.IsDeleted) {
			return ErrBookNotFound.With("book %d not found", bookID)
		}
		if err != nil {
			return wrapInfra("load book", err)
		}
		page.Reviews, err = repo.ListBookReviews(ctx, bookID)
		return wrapInfra("list reviews", err)
	})
	if err != nil {
		return nil, err
	}

	sum := 0
	for _, r := range page.Reviews {
		sum += r.Rating
		page.RatingCounts[r.Rating]++
	}
	page.TotalReviews = len(page.Reviews)
	if page.TotalReviews > 0 {
		page.AverageRating = math.Round(float64(sum)/float64(page.TotalReviews)*10) / 10
	}
	return page, nil
}
