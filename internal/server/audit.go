package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/audit"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/repo"
)

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-actions",
		Method:      http.MethodGet,
		Path:        "/audit/actions",
		Summary:     "Query the action stream",
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		PerformedBy string `query:"performed_by"`
		EntityID    string `query:"entity_id"`
		Since       string `query:"since"`
		Until       string `query:"until"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditAction `json:"body"`
	}, error) {
		actions, err := e.Audit.Actions(ctx, audit.Filter{
			Type:        input.Type,
			PerformedBy: input.PerformedBy,
			EntityID:    input.EntityID,
			Since:       input.Since,
			Until:       input.Until,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditAction `json:"body"`
		}{Body: actions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit-transitions",
		Method:      http.MethodGet,
		Path:        "/audit/transitions",
		Summary:     "Query the transition stream",
	}, func(ctx context.Context, input *struct {
		KanbanID      string `query:"kanban_id"`
		FromState     string `query:"from_state"`
		ToState       string `query:"to_state"`
		TriggeredBy   string `query:"triggered_by"`
		OnlyAnomalies bool   `query:"only_anomalies"`
		Since         string `query:"since"`
		Until         string `query:"until"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.TransitionRecord `json:"body"`
	}, error) {
		recs, err := e.Audit.Transitions(ctx, repo.TransitionQuery{
			KanbanID:      input.KanbanID,
			FromState:     input.FromState,
			ToState:       input.ToState,
			TriggeredBy:   input.TriggeredBy,
			OnlyAnomalies: input.OnlyAnomalies,
			Since:         input.Since,
			Until:         input.Until,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-timeline",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/timeline",
		Summary:     "Merged action and transition view for one process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID          string `path:"process_id"`
		IncludeTransitions bool   `query:"include_transitions" default:"true"`
		IncludeActions     bool   `query:"include_actions" default:"true"`
	}) (*struct {
		Body []audit.TimelineEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProcess(ctx, input.ProcessID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Audit.Timeline(ctx, input.ProcessID, input.IncludeTransitions, input.IncludeActions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []audit.TimelineEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-summary",
		Method:      http.MethodGet,
		Path:        "/audit/summary",
		Summary:     "Aggregate both streams over a date range",
	}, func(ctx context.Context, input *struct {
		Since string `query:"since"`
		Until string `query:"until"`
	}) (*struct {
		Body audit.ActivitySummary `json:"body"`
	}, error) {
		summary, err := e.Audit.Summary(ctx, input.Since, input.Until)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.ActivitySummary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-state-metrics",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/metrics/states",
		Summary:     "Residence time per visited state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body []audit.StateMetric `json:"body"`
	}, error) {
		proc, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		metrics, err := e.Audit.StateMetrics(ctx, proc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []audit.StateMetric `json:"body"`
		}{Body: metrics}, nil
	})
}
