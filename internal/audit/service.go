package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// Repository has no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// List returns the newest events first. Empty types means all types.
	List(ctx context.Context, accountID string, types []EventType, limit int) ([]Event, error)
}

// Service records operator actions and system alerts.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.AccountID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who triggered an operator action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// LogOperatorAction records an operator control (force dispatch, reset, cleanup...).
func (s *Service) LogOperatorAction(ctx context.Context, accountID string, actor Actor, action, campaignID, leadID, message string) error {
	return s.Append(ctx, Event{
		AccountID:   accountID,
		Type:        EventTypeOperatorAction,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Action:      action,
		CampaignID:  campaignID,
		LeadID:      leadID,
		Message:     message,
	})
}

// LogSettingsChange records a settings document update with its new value.
func (s *Service) LogSettingsChange(ctx context.Context, accountID string, actor Actor, kind string, value any) error {
	meta, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		AccountID:   accountID,
		Type:        EventTypeSettingsChange,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Action:      "update_" + kind,
		Message:     kind + " settings updated",
		Metadata:    string(meta),
	})
}

// LogComplianceAlert records a regulatory limit breach raised by a loop.
func (s *Service) LogComplianceAlert(ctx context.Context, accountID, message string, details any) error {
	meta, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		AccountID: accountID,
		Type:      EventTypeComplianceAlert,
		Action:    "pacing_decrease",
		Message:   message,
		Metadata:  string(meta),
	})
}

// LogCleanup records capacity reclaimed from stuck calls or transfers.
func (s *Service) LogCleanup(ctx context.Context, accountID string, actor Actor, action, message string) error {
	return s.Append(ctx, Event{
		AccountID:   accountID,
		Type:        EventTypeCleanup,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Action:      action,
		Message:     message,
	})
}

func (s *Service) Recent(ctx context.Context, accountID string, limit int, types ...EventType) ([]Event, error) {
	if accountID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.List(ctx, accountID, types, limit)
}
