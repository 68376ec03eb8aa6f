package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/domain"
	"flowboard/internal/engine"
)

func registerAutoTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "auto-transition-process",
		Method:      http.MethodPost,
		Path:        "/auto-transition/process/{process_id}",
		Summary:     "Cascade automatic transitions for one process",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		MaxDepth  int    `query:"max_depth"`
	}) (*struct {
		Body struct {
			Executed []domain.TransitionRecord `json:"executed"`
		}
	}, error) {
		executed, err := e.Cascade(ctx, input.ProcessID, input.MaxDepth)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Executed []domain.TransitionRecord `json:"executed"`
			}
		}{}
		resp.Body.Executed = executed
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-transition-decision",
		Method:      http.MethodGet,
		Path:        "/auto-transition/process/{process_id}/decision",
		Summary:     "Show the pending scheduler decision without executing it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body engine.Decision `json:"body"`
	}, error) {
		proc, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		decision := e.DecideNext(ctx, proc)
		return &struct {
			Body engine.Decision `json:"body"`
		}{Body: decision}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-transition-kanban",
		Method:      http.MethodPost,
		Path:        "/auto-transition/kanban/{kanban_id}",
		Summary:     "Cascade automatic transitions for every process of a kanban",
	}, func(ctx context.Context, input *struct {
		KanbanID string `path:"kanban_id"`
		MaxDepth int    `query:"max_depth"`
	}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		res, err := e.ProcessAll(ctx, input.KanbanID, input.MaxDepth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-transition-all",
		Method:      http.MethodPost,
		Path:        "/auto-transition/all",
		Summary:     "Cascade automatic transitions for every process",
	}, func(ctx context.Context, input *struct {
		MaxDepth int `query:"max_depth"`
	}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		res, err := e.ProcessAll(ctx, "", input.MaxDepth)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-transition-eligible",
		Method:      http.MethodGet,
		Path:        "/auto-transition/eligible",
		Summary:     "List processes with a pending automatic transition",
	}, func(ctx context.Context, input *struct {
		KanbanID string `query:"kanban_id"`
	}) (*struct {
		Body []engine.EligibleProcess `json:"body"`
	}, error) {
		out, err := e.Eligible(ctx, input.KanbanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.EligibleProcess `json:"body"`
		}{Body: out}, nil
	})
}
