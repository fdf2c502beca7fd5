package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
)

// ErrSubjectBlocked indicates the subject sits on the moderation denylist.
var ErrSubjectBlocked = errors.New("subject is denylisted")

// ModerationService gates indexing on the denylist. Subjects may be DIDs,
// handles, or full record addresses; storage only ever sees their hashes.
type ModerationService struct {
	denylist port.DenylistRepository
	logger   *zap.Logger
}

// NewModerationService constructs a ModerationService.
func NewModerationService(denylist port.DenylistRepository, logger *zap.Logger) *ModerationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModerationService{denylist: denylist, logger: logger}
}

// IsBlocked reports whether any of the given subjects is denylisted. Read
// paths use it to filter: indexed rows stay put and reappear on unblock
// without a refetch.
func (s *ModerationService) IsBlocked(ctx context.Context, subjects ...string) (bool, error) {
	for _, subject := range subjects {
		if subject == "" {
			continue
		}
		blocked, err := s.denylist.Contains(ctx, subject)
		if err != nil {
			return false, fmt.Errorf("check denylist: %w", err)
		}
		if blocked {
			return true, nil
		}
	}
	return false, nil
}

// Gate returns ErrSubjectBlocked when any of the given subjects is
// denylisted. Callers pass every identifier a record reaches the index
// through: its owner's DID and its full address.
func (s *ModerationService) Gate(ctx context.Context, subjects ...string) error {
	blocked, err := s.IsBlocked(ctx, subjects...)
	if err != nil {
		return err
	}
	if blocked {
		s.logger.Info("subject blocked", zap.Strings("subjects", subjects))
		return fmt.Errorf("%w: %s", ErrSubjectBlocked, subjects[0])
	}
	return nil
}

// Block adds a subject to the denylist.
func (s *ModerationService) Block(ctx context.Context, subject, reason string) error {
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	if err := s.denylist.Upsert(ctx, subject, reason); err != nil {
		return fmt.Errorf("store denylist entry: %w", err)
	}
	s.logger.Info("subject denylisted", zap.String("subject", subject))
	return nil
}

// Unblock removes a subject from the denylist.
func (s *ModerationService) Unblock(ctx context.Context, subject string) error {
	if err := s.denylist.Remove(ctx, subject); err != nil {
		return fmt.Errorf("remove denylist entry: %w", err)
	}
	return nil
}

// List returns denylist entries for the admin surface. Entries carry hashes,
// not the original subjects.
func (s *ModerationService) List(ctx context.Context, limit int) ([]domain.DenylistEntry, error) {
	return s.denylist.List(ctx, limit)
}
