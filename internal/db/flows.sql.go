package db

import (
	"context"

	"github.com/lib/pq"
)

const flowColumns = `id, name, description, trigger_event, cancel_events, is_active, created_at, updated_at`

func scanFlow(row scanner) (EmailFlow, error) {
	var i EmailFlow
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Description,
		&i.TriggerEvent,
		pq.Array(&i.CancelEvents),
		&i.IsActive,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getActiveFlowByTrigger = `-- name: GetActiveFlowByTrigger :one
SELECT ` + flowColumns + ` FROM email_flows
WHERE trigger_event = $1 AND is_active`

func (q *Queries) GetActiveFlowByTrigger(ctx context.Context, triggerEvent string) (EmailFlow, error) {
	return scanFlow(q.db.QueryRowContext(ctx, getActiveFlowByTrigger, triggerEvent))
}

const getFlowByID = `-- name: GetFlowByID :one
SELECT ` + flowColumns + ` FROM email_flows WHERE id = $1`

func (q *Queries) GetFlowByID(ctx context.Context, id string) (EmailFlow, error) {
	return scanFlow(q.db.QueryRowContext(ctx, getFlowByID, id))
}

const listActiveFlows = `-- name: ListActiveFlows :many
SELECT ` + flowColumns + ` FROM email_flows WHERE is_active ORDER BY id`

func (q *Queries) ListActiveFlows(ctx context.Context) ([]EmailFlow, error) {
	rows, err := q.db.QueryContext(ctx, listActiveFlows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []EmailFlow
	for rows.Next() {
		i, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listFlowSteps = `-- name: ListFlowSteps :many
SELECT id, flow_id, step_order, time_offset_minutes, template_id, template_version,
       subject_override, email_type, metadata
FROM email_flow_steps
WHERE flow_id = $1
ORDER BY step_order`

func (q *Queries) ListFlowSteps(ctx context.Context, flowID string) ([]EmailFlowStep, error) {
	rows, err := q.db.QueryContext(ctx, listFlowSteps, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []EmailFlowStep
	for rows.Next() {
		var i EmailFlowStep
		if err := rows.Scan(
			&i.ID,
			&i.FlowID,
			&i.StepOrder,
			&i.TimeOffsetMinutes,
			&i.TemplateID,
			&i.TemplateVersion,
			&i.SubjectOverride,
			&i.EmailType,
			&i.Metadata,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
