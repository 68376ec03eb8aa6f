package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/domain"
	"flowboard/internal/engine"
)

func registerProcesses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-process",
		Method:      http.MethodPost,
		Path:        "/processes",
		Summary:     "Create a process",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			KanbanID     string         `json:"kanban_id" required:"true"`
			InitialState string         `json:"initial_state,omitempty"`
			FieldValues  map[string]any `json:"field_values,omitempty"`
			Metadata     map[string]any `json:"metadata,omitempty"`
		}
	}) (*struct {
		Body domain.Process `json:"body"`
	}, error) {
		p, err := e.CreateProcess(ctx, engine.CreateOptions{
			KanbanID:     input.Body.KanbanID,
			InitialState: input.Body.InitialState,
			FieldValues:  input.Body.FieldValues,
			Metadata:     input.Body.Metadata,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Process `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-process-from-form",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/submit",
		Summary:     "Create a process from a form submission",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
		Body   struct {
			Values map[string]any `json:"values"`
		}
	}) (*struct {
		Body domain.Process `json:"body"`
	}, error) {
		p, err := e.CreateFromForm(ctx, input.FormID, input.Body.Values, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Process `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes",
	}, func(ctx context.Context, input *struct {
		KanbanID string `query:"kanban_id"`
		Field    string `query:"field"`
		Value    string `query:"value"`
	}) (*struct {
		Body []domain.Process `json:"body"`
	}, error) {
		var (
			procs []domain.Process
			err   error
		)
		if input.Field != "" {
			procs, err = e.Repo.FindProcessesByField(ctx, input.Field, input.Value)
		} else {
			procs, err = e.Repo.ListProcesses(ctx, input.KanbanID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Process `json:"body"`
		}{Body: procs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}",
		Summary:     "Get one process with its history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body domain.Process `json:"body"`
	}, error) {
		p, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Process `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-process-fields",
		Method:      http.MethodPatch,
		Path:        "/processes/{process_id}/fields",
		Summary:     "Merge values into the process field set",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		Body      struct {
			Values map[string]any `json:"values" required:"true"`
		}
	}) (*struct {
		Body domain.Process `json:"body"`
	}, error) {
		p, err := e.UpdateFields(ctx, input.ProcessID, input.Body.Values, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Process `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-process",
		Method:      http.MethodDelete,
		Path:        "/processes/{process_id}",
		Summary:     "Delete a process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body struct {
			Deleted bool `json:"deleted"`
		}
	}, error) {
		if err := e.DeleteProcess(ctx, input.ProcessID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Deleted bool `json:"deleted"`
			}
		}{}
		resp.Body.Deleted = true
		return resp, nil
	})
}
