// Package domain defines the business logic for the signup service.
package domain

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"example.com/signup/internal/observability"
)

// Repository captures persistence operations of the activity store.
type Repository interface {
	GetActivity(ctx context.Context, name string) (*Activity, error)
	ListActivities(ctx context.Context) ([]Roster, error)
	CountMembers(ctx context.Context, name string) (int, error)
	IsMember(ctx context.Context, name, email string) (bool, error)
	// AddMember re-checks capacity in the inserting transaction and reports
	// ErrActivityFull or ErrDuplicateMember.
	AddMember(ctx context.Context, name, email string) error
	RemoveMember(ctx context.Context, name, email string) error
	Seed(ctx context.Context, dataset SeedDataset) (bool, error)
	Ping(ctx context.Context) error
}

// Service orchestrates signup workflows.
type Service struct {
	repo   Repository
	log    *zap.Logger
	tracer trace.Tracer
}

// NewService constructs a Service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		log:    logger,
		tracer: otel.Tracer("example.com/signup/internal/domain"),
	}
}

// Signup registers email for the named activity.
//
// Checks run in a fixed order: existence, capacity, duplicate membership, then
// address format. A request failing several checks reports the first.
func (s *Service) Signup(ctx context.Context, activityName, email string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Signup", trace.WithAttributes(attribute.String("activity.name", activityName)))
	defer span.End()

	msg, err := s.signup(ctx, activityName, email)
	observability.RecordSignup(outcome(err))
	endSpan(span, err)
	return msg, err
}

func (s *Service) signup(ctx context.Context, activityName, email string) (string, error) {
	activity, err := s.repo.GetActivity(ctx, activityName)
	if err != nil {
		return "", fmt.Errorf("get activity: %w", err)
	}
	if activity == nil {
		return "", ErrActivityNotFound
	}

	count, err := s.repo.CountMembers(ctx, activityName)
	if err != nil {
		return "", fmt.Errorf("count members: %w", err)
	}
	if count >= activity.Capacity {
		return "", ErrActivityFull
	}

	member, err := s.repo.IsMember(ctx, activityName, email)
	if err != nil {
		return "", fmt.Errorf("check membership: %w", err)
	}
	if member {
		return "", ErrAlreadyRegistered
	}

	if err := ValidateEmail(email); err != nil {
		return "", err
	}

	if err := s.repo.AddMember(ctx, activityName, email); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateMember):
			return "", ErrAlreadyRegistered
		case errors.Is(err, ErrActivityFull):
			return "", ErrActivityFull
		case errors.Is(err, ErrActivityNotFound):
			return "", ErrActivityNotFound
		}
		return "", fmt.Errorf("add member: %w", err)
	}

	s.log.Info("signed up", zap.String("activity", activityName), zap.String("email", email))
	return fmt.Sprintf("Signed up %s for %s", email, activityName), nil
}

// Unregister removes email from the named activity.
func (s *Service) Unregister(ctx context.Context, activityName, email string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Unregister", trace.WithAttributes(attribute.String("activity.name", activityName)))
	defer span.End()

	msg, err := s.unregister(ctx, activityName, email)
	observability.RecordUnregister(outcome(err))
	endSpan(span, err)
	return msg, err
}

func (s *Service) unregister(ctx context.Context, activityName, email string) (string, error) {
	activity, err := s.repo.GetActivity(ctx, activityName)
	if err != nil {
		return "", fmt.Errorf("get activity: %w", err)
	}
	if activity == nil {
		return "", ErrActivityNotFound
	}

	member, err := s.repo.IsMember(ctx, activityName, email)
	if err != nil {
		return "", fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return "", ErrNotRegistered
	}

	if err := s.repo.RemoveMember(ctx, activityName, email); err != nil {
		if errors.Is(err, ErrNotAMember) {
			return "", ErrNotRegistered
		}
		return "", fmt.Errorf("remove member: %w", err)
	}

	s.log.Info("unregistered", zap.String("activity", activityName), zap.String("email", email))
	return fmt.Sprintf("Unregistered %s from %s", email, activityName), nil
}

// ListActivities returns a snapshot of every activity and its members.
func (s *Service) ListActivities(ctx context.Context) ([]Roster, error) {
	ctx, span := s.tracer.Start(ctx, "Service.ListActivities")
	defer span.End()

	rosters, err := s.repo.ListActivities(ctx)
	endSpan(span, err)
	return rosters, err
}

// Seed loads dataset into an empty store. It reports whether anything was written.
func (s *Service) Seed(ctx context.Context, dataset SeedDataset) (bool, error) {
	seeded, err := s.repo.Seed(ctx, dataset)
	if err != nil {
		return false, fmt.Errorf("seed activities: %w", err)
	}
	if seeded {
		s.log.Info("seeded activity store", zap.Int("version", dataset.Version), zap.Int("activities", len(dataset.Activities)))
	} else {
		s.log.Debug("activity store already populated, skipping seed")
	}
	return seeded, nil
}

// Ping checks store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrActivityNotFound):
		return "not_found"
	case errors.Is(err, ErrActivityFull):
		return "full"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrInvalidEmail):
		return "invalid_email"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
