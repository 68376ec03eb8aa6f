package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/domain"
	"flowboard/internal/engine"
)

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-transition",
		Method:      http.MethodPost,
		Path:        "/processes/{process_id}/transition",
		Summary:     "Move a process to another state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		Body      struct {
			To            string `json:"to" required:"true"`
			Justification string `json:"justification,omitempty"`
			Force         bool   `json:"force,omitempty"`
		}
	}) (*struct {
		Body domain.TransitionRecord `json:"body"`
	}, error) {
		rec, err := e.Execute(ctx, input.ProcessID, input.Body.To, actorFromContext(ctx), input.Body.Justification, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/processes/{process_id}/transition/validate",
		Summary:     "Dry-run a transition check",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		Body      struct {
			To string `json:"to" required:"true"`
		}
	}) (*struct {
		Body engine.ValidationReport `json:"body"`
	}, error) {
		proc, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		report := e.Validate(ctx, proc, input.Body.To)
		return &struct {
			Body engine.ValidationReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-transitions",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/transitions/available",
		Summary:     "List annotated target states for a process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body []engine.AvailableTransition `json:"body"`
	}, error) {
		proc, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.AvailableTransitions(ctx, proc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.AvailableTransition `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-history",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/transitions/history",
		Summary:     "Append-order transition history for a process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body []domain.TransitionRecord `json:"body"`
	}, error) {
		recs, err := e.TransitionHistory(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-force-transition",
		Method:      http.MethodPost,
		Path:        "/processes/{process_id}/force/check",
		Summary:     "Check whether a forced jump would be accepted",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		Body      struct {
			To string `json:"to" required:"true"`
		}
	}) (*struct {
		Body engine.ForceCheck `json:"body"`
	}, error) {
		proc, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		check := e.CanForce(ctx, proc, input.Body.To)
		return &struct {
			Body engine.ForceCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-transition",
		Method:      http.MethodPost,
		Path:        "/processes/{process_id}/force",
		Summary:     "Force a process into a state with a mandatory justification",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		Body      struct {
			To            string `json:"to" required:"true"`
			Justification string `json:"justification" required:"true"`
		}
	}) (*struct {
		Body domain.TransitionRecord `json:"body"`
	}, error) {
		rec, err := e.ExecuteForced(ctx, input.ProcessID, input.Body.To, actorFromContext(ctx), input.Body.Justification)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionRecord `json:"body"`
		}{Body: rec}, nil
	})
}
