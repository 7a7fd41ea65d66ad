package store

import (
	"context"
	"fmt"

	"github.com/productcareerlyst/emailflows/internal/db"
)

func (s *Store) GetActiveFlowByTrigger(ctx context.Context, triggerEvent string) (db.EmailFlow, error) {
	f, err := s.q.GetActiveFlowByTrigger(ctx, triggerEvent)
	if err != nil {
		return db.EmailFlow{}, notFound("GetActiveFlowByTrigger", err)
	}
	return f, nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (db.EmailFlow, error) {
	f, err := s.q.GetFlowByID(ctx, id)
	if err != nil {
		return db.EmailFlow{}, notFound("GetFlow", err)
	}
	return f, nil
}

func (s *Store) ListActiveFlows(ctx context.Context) ([]db.EmailFlow, error) {
	flows, err := s.q.ListActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListActiveFlows: %w", err)
	}
	return flows, nil
}

// ListFlowSteps returns the steps of flowID in ascending step order.
func (s *Store) ListFlowSteps(ctx context.Context, flowID string) ([]db.EmailFlowStep, error) {
	steps, err := s.q.ListFlowSteps(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("ListFlowSteps: %w", err)
	}
	return steps, nil
}
