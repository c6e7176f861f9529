package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/repo"
)

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Register a village, family, plot, house, facility or material",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterEntityRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.RegisterEntity(ctx, principal, engine.EntityInput{
			Kind:      domain.EntityKind(input.Body.Kind),
			ID:        input.Body.ID,
			VillageID: input.Body.VillageID,
			Name:      input.Body.Name,
			TypeID:    input.Body.TypeID,
			OptionID:  input.Body.OptionID,
			ParentID:  input.Body.ParentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List registered entities",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind" enum:"village,family,plot,house,facility,material"`
		VillageID string `query:"villageId"`
		ParentID  string `query:"parentId"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body EntityList `json:"body"`
	}, error) {
		items, err := e.ListEntities(ctx, repo.EntityFilters{
			Kind:      domain.EntityKind(input.Kind),
			VillageID: input.VillageID,
			ParentID:  input.ParentID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		return &struct {
			Body EntityList `json:"body"`
		}{Body: EntityList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}",
		Summary:     "Get an entity with its progress fields",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"village,family,plot,house,facility,material"`
		ID   string `path:"id"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		ent, err := e.GetEntity(ctx, domain.EntityKind(input.Kind), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})
}

func registerHouses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "insert-house",
		Method:        http.MethodPost,
		Path:          "/houses",
		Summary:       "Allocate a house and its homes to families",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body InsertHouseRequest `json:"body"`
	}) (*struct {
		Body domain.House `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.InsertHouse(ctx, principal, engine.HouseInput{
			VillageID: input.Body.VillageID,
			TypeID:    input.Body.TypeID,
			Homes:     homeInputs(input.Body.HomeDetails),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.House `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-house",
		Method:      http.MethodGet,
		Path:        "/houses/{houseId}",
		Summary:     "Get a house with its homes",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HouseID string `path:"houseId"`
	}) (*struct {
		Body domain.House `json:"body"`
	}, error) {
		h, err := e.GetHouse(ctx, input.HouseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.House `json:"body"`
		}{Body: h}, nil
	})
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/{entityType}/progress/{entityId}",
		Summary:     "Stage ladder of an entity annotated with completion",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entityType" enum:"village,family,plot,house,facility,material"`
		EntityID   string `path:"entityId"`
	}) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		p, err := e.Progress(ctx, domain.EntityKind(input.EntityType), input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage-reachable",
		Method:      http.MethodGet,
		Path:        "/{entityType}/progress/{entityId}/{stageId}",
		Summary:     "Whether a verification for the stage would pass the prerequisite check",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entityType" enum:"village,family,plot,house,facility,material"`
		EntityID   string `path:"entityId"`
		StageID    string `path:"stageId"`
	}) (*struct {
		Body ReachableResponse `json:"body"`
	}, error) {
		ok, err := e.IsStageReachable(ctx, domain.EntityKind(input.EntityType), input.EntityID, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReachableResponse `json:"body"`
		}{Body: ReachableResponse{StageID: input.StageID, Reachable: ok}}, nil
	})
}
