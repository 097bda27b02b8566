package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	accountmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/account"
	"github.com/google/uuid"
)

type Repository interface {
	HasTag(ctx context.Context, accountID uuid.UUID, name string) (bool, error)
	// AddTag is a no-op when the tag is already present.
	AddTag(ctx context.Context, tag *accountmodel.Tag) error
	RemoveTag(ctx context.Context, accountID uuid.UUID, name string) (bool, error)
}

// AutoPayOffReleaser re-drives the purchases deferred while the flag was set.
type AutoPayOffReleaser interface {
	ProcessAutoPayOffRemoval(ctx context.Context, accountID uuid.UUID) (int, error)
}

// Flags answers flag lookups for the payment control plugins.
type Flags struct {
	repo Repository
}

func NewFlags(repo Repository) *Flags {
	return &Flags{repo: repo}
}

func (f *Flags) IsAutoPayOff(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return f.repo.HasTag(ctx, accountID, accountmodel.TagAutoPayOff)
}

type Service struct {
	repo     Repository
	releaser AutoPayOffReleaser
	logger   *slog.Logger
}

func NewService(repo Repository, releaser AutoPayOffReleaser, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		releaser: releaser,
		logger:   logger,
	}
}

func (s *Service) IsAutoPayOff(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return s.repo.HasTag(ctx, accountID, accountmodel.TagAutoPayOff)
}

func (s *Service) SetAutoPayOff(ctx context.Context, accountID uuid.UUID) error {
	if accountID == uuid.Nil {
		return errs.NewValidationFieldError("account_id", "account_id is required", errs.ErrCodeValidationFailed)
	}
	err := s.repo.AddTag(ctx, &accountmodel.Tag{
		AccountID: accountID,
		Name:      accountmodel.TagAutoPayOff,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errs.NewInternalError("failed to set auto-pay-off", err)
	}
	s.logger.Info("auto-pay-off set", "account_id", accountID)
	return nil
}

// ClearAutoPayOff removes the flag and schedules one retry per deferred purchase. It
// returns the number of retries scheduled. Deferred purchases are released even when the
// flag was already gone, so a crash between the two steps is repaired by calling it again.
func (s *Service) ClearAutoPayOff(ctx context.Context, accountID uuid.UUID) (int, error) {
	removed, err := s.repo.RemoveTag(ctx, accountID, accountmodel.TagAutoPayOff)
	if err != nil {
		return 0, errs.NewInternalError("failed to clear auto-pay-off", err)
	}

	scheduled, err := s.releaser.ProcessAutoPayOffRemoval(ctx, accountID)
	if err != nil {
		return scheduled, fmt.Errorf("release deferred payments: %w", err)
	}

	s.logger.Info("auto-pay-off cleared",
		"account_id", accountID,
		"flag_removed", removed,
		"retries_scheduled", scheduled)
	return scheduled, nil
}
