package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/registry"
)

func registerKanbans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-kanbans",
		Method:      http.MethodGet,
		Path:        "/kanbans",
		Summary:     "List kanban definitions",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body []domain.Kanban `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Kanban `json:"body"`
		}{Body: e.Registry.List()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-kanban",
		Method:      http.MethodGet,
		Path:        "/kanbans/{kanban_id}",
		Summary:     "Get one kanban definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KanbanID string `path:"kanban_id"`
	}) (*struct {
		Body domain.Kanban `json:"body"`
	}, error) {
		k, ok := e.Registry.Get(input.KanbanID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "kanban "+input.KanbanID+" not found", nil)
		}
		return &struct {
			Body domain.Kanban `json:"body"`
		}{Body: k}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-kanban",
		Method:      http.MethodPost,
		Path:        "/kanbans",
		Summary:     "Register a kanban definition",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Persist bool          `query:"persist" default:"true"`
		Body    domain.Kanban `json:"body"`
	}) (*struct {
		Body domain.Kanban `json:"body"`
	}, error) {
		if err := e.Registry.Register(ctx, input.Body, input.Persist); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_definition", err.Error(), nil)
		}
		return &struct {
			Body domain.Kanban `json:"body"`
		}{Body: input.Body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-kanban",
		Method:      http.MethodPut,
		Path:        "/kanbans/{kanban_id}",
		Summary:     "Replace a kanban definition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KanbanID string        `path:"kanban_id"`
		Persist  bool          `query:"persist" default:"true"`
		Body     domain.Kanban `json:"body"`
	}) (*struct {
		Body domain.Kanban `json:"body"`
	}, error) {
		if _, ok := e.Registry.Get(input.KanbanID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "kanban "+input.KanbanID+" not found", nil)
		}
		k := input.Body
		k.ID = input.KanbanID
		if err := e.Registry.Register(ctx, k, input.Persist); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_definition", err.Error(), nil)
		}
		return &struct {
			Body domain.Kanban `json:"body"`
		}{Body: k}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-kanban",
		Method:      http.MethodDelete,
		Path:        "/kanbans/{kanban_id}",
		Summary:     "Unregister a kanban definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KanbanID string `path:"kanban_id"`
		Purge    bool   `query:"purge" default:"false"`
	}) (*struct {
		Body struct {
			Deleted bool `json:"deleted"`
		}
	}, error) {
		if err := e.Registry.Unregister(ctx, input.KanbanID, input.Purge); err != nil {
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

	huma.Register(api, huma.Operation{
		OperationID: "reload-kanbans",
		Method:      http.MethodPost,
		Path:        "/kanbans/reload",
		Summary:     "Re-scan the definition directory",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Loaded int `json:"loaded"`
		}
	}, error) {
		n, err := e.Registry.Reload(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Loaded int `json:"loaded"`
			}
		}{}
		resp.Body.Loaded = n
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-kanban",
		Method:      http.MethodPost,
		Path:        "/kanbans/validate",
		Summary:     "Validate a definition without registering it",
	}, func(ctx context.Context, input *struct {
		Body domain.Kanban `json:"body"`
	}) (*struct {
		Body struct {
			Valid bool   `json:"valid"`
			Error string `json:"error,omitempty"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Valid bool   `json:"valid"`
				Error string `json:"error,omitempty"`
			}
		}{}
		k := input.Body
		if err := registry.Validate(&k); err != nil {
			resp.Body.Error = err.Error()
		} else {
			resp.Body.Valid = true
		}
		return resp, nil
	})
}
