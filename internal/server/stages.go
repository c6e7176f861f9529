package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"relocation/internal/domain"
	"relocation/internal/engine"
)

var stageErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// rejectSubStagePatch catches a subStages key in an update body even when it is
// an empty array, which the decoded request cannot tell apart from absence.
func rejectSubStagePatch(ctx context.Context) error {
	if _, ok := rawBodyMap(ctx)["subStages"]; ok {
		return engine.ValidationError{Fields: map[string]string{"subStages": "updating sub-stages is not allowed here"}}
	}
	return nil
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List the stages of a scope in order",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Scope          string `query:"scope" required:"true" example:"village"`
		IncludeDeleted bool   `query:"includeDeleted"`
	}) (*struct {
		Body StageList `json:"body"`
	}, error) {
		items, err := e.ListStages(ctx, input.Scope, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageList `json:"body"`
		}{Body: StageList{Items: nonNilStages(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/stages",
		Summary:       "Insert a stage, optionally at a position",
		DefaultStatus: http.StatusCreated,
		Errors:        stageErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.InsertStage(ctx, principal, input.Body.Scope, stageInput(input.Body.StageRequest))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stageId}",
		Summary:     "Get a stage with its sub-stages",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stageId"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		st, err := e.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPut,
		Path:        "/stages/{stageId}",
		Summary:     "Rename or move a stage",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stageId"`
		Body    UpdateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rejectSubStagePatch(ctx); err != nil {
			return nil, handleError(err)
		}
		st, err := e.UpdateStage(ctx, principal, input.StageID, stagePatch(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stage",
		Method:      http.MethodDelete,
		Path:        "/stages/{stageId}",
		Summary:     "Soft-delete a stage",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stageId"`
	}) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SoftDeleteStage(ctx, principal, input.StageID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletedResponse `json:"body"`
		}{Body: DeletedResponse{Deleted: input.StageID}}, nil
	})
}

func registerSubStages(api huma.API, e engine.Engine) {
	type subStagePath struct {
		StageID    string `path:"stageId"`
		SubStageID string `path:"subStageId"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-substages",
		Method:      http.MethodGet,
		Path:        "/stages/{stageId}/substages",
		Summary:     "List sub-stages of a stage",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID        string `path:"stageId"`
		IncludeDeleted bool   `query:"includeDeleted"`
	}) (*struct {
		Body StageList `json:"body"`
	}, error) {
		items, err := e.ListSubStages(ctx, input.StageID, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageList `json:"body"`
		}{Body: StageList{Items: nonNilStages(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-substage",
		Method:        http.MethodPost,
		Path:          "/stages/{stageId}/substages",
		Summary:       "Insert a sub-stage",
		DefaultStatus: http.StatusCreated,
		Errors:        stageErrors,
	}, func(ctx context.Context, input *struct {
		StageID string       `path:"stageId"`
		Body    StageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.InsertSubStage(ctx, principal, input.StageID, stageInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-substage",
		Method:      http.MethodPut,
		Path:        "/stages/{stageId}/substages/{subStageId}",
		Summary:     "Rename or move a sub-stage",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *struct {
		StageID    string             `path:"stageId"`
		SubStageID string             `path:"subStageId"`
		Body       UpdateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rejectSubStagePatch(ctx); err != nil {
			return nil, handleError(err)
		}
		st, err := e.UpdateSubStage(ctx, principal, input.StageID, input.SubStageID, stagePatch(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-substage",
		Method:      http.MethodDelete,
		Path:        "/stages/{stageId}/substages/{subStageId}",
		Summary:     "Soft-delete a sub-stage",
		Errors:      stageErrors,
	}, func(ctx context.Context, input *subStagePath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SoftDeleteSubStage(ctx, principal, input.StageID, input.SubStageID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletedResponse `json:"body"`
		}{Body: DeletedResponse{Deleted: input.SubStageID}}, nil
	})
}
