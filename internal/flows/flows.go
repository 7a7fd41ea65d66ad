// Package flows reads flow definitions. Flows are authored out of band and
// are read-only here.
package flows

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/store"
)

var ErrFlowNotFound = errors.New("flows: flow not found")

type Store interface {
	GetActiveFlowByTrigger(ctx context.Context, triggerEvent string) (db.EmailFlow, error)
	GetFlow(ctx context.Context, id string) (db.EmailFlow, error)
	ListActiveFlows(ctx context.Context) ([]db.EmailFlow, error)
	ListFlowSteps(ctx context.Context, flowID string) ([]db.EmailFlowStep, error)
}

type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// GetFlowByTrigger returns the active flow for triggerEvent, or
// ErrFlowNotFound.
func (s *Service) GetFlowByTrigger(ctx context.Context, triggerEvent string) (db.EmailFlow, error) {
	f, err := s.store.GetActiveFlowByTrigger(ctx, triggerEvent)
	if errors.Is(err, store.ErrNotFound) {
		return db.EmailFlow{}, fmt.Errorf("%w: trigger %q", ErrFlowNotFound, triggerEvent)
	}
	if err != nil {
		return db.EmailFlow{}, fmt.Errorf("flows: get by trigger: %w", err)
	}
	return f, nil
}

// GetFlowByID returns the flow regardless of its active flag.
func (s *Service) GetFlowByID(ctx context.Context, id string) (db.EmailFlow, error) {
	f, err := s.store.GetFlow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return db.EmailFlow{}, fmt.Errorf("%w: %q", ErrFlowNotFound, id)
	}
	if err != nil {
		return db.EmailFlow{}, fmt.Errorf("flows: get %q: %w", id, err)
	}
	return f, nil
}

// GetFlowSteps returns the steps of flowID sorted by step order.
func (s *Service) GetFlowSteps(ctx context.Context, flowID string) ([]db.EmailFlowStep, error) {
	steps, err := s.store.ListFlowSteps(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("flows: steps of %q: %w", flowID, err)
	}
	slices.SortStableFunc(steps, func(a, b db.EmailFlowStep) int {
		return int(a.StepOrder) - int(b.StepOrder)
	})
	return steps, nil
}

// GetAllFlows returns every active flow.
func (s *Service) GetAllFlows(ctx context.Context) ([]db.EmailFlow, error) {
	all, err := s.store.ListActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("flows: list: %w", err)
	}
	return all, nil
}

// ShouldCancelFlow reports whether any of the user's events is one of the
// flow's cancellation events.
func ShouldCancelFlow(flow db.EmailFlow, events []string) bool {
	for _, e := range events {
		if slices.Contains(flow.CancelEvents, e) {
			return true
		}
	}
	return false
}
