package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"relocation/internal/domain"
	"relocation/internal/engine"
	"relocation/internal/engine/auth"
)

var ledgerErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "insert-verification",
		Method:        http.MethodPost,
		Path:          "/{entityType}/stage-update/insert/{entityId}",
		Summary:       "Record evidence that an entity reached a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        ledgerErrors,
	}, func(ctx context.Context, input *struct {
		EntityType string                    `path:"entityType" enum:"village,family,plot,house,facility,material"`
		EntityID   string                    `path:"entityId"`
		Body       InsertVerificationRequest `json:"body"`
	}) (*struct {
		Body domain.Verification `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind := domain.EntityKind(input.EntityType)
		entityID := input.EntityID
		if kind == domain.KindHouse && strings.TrimSpace(input.Body.HomeID) != "" {
			entityID = strings.TrimSpace(input.Body.HomeID)
		}
		v, err := e.InsertVerification(ctx, principal, engine.VerificationInput{
			EntityKind: kind,
			EntityID:   entityID,
			StageID:    input.Body.StageID,
			SubStageID: input.Body.SubStageID,
			Name:       input.Body.Name,
			Notes:      input.Body.Notes,
			Documents:  input.Body.Documents,
			UserID:     input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verification `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-verification",
		Method:      http.MethodPost,
		Path:        "/{entityType}/stage-update/verify",
		Summary:     "Approve (+1) or send back (-1) a verification",
		Errors:      ledgerErrors,
	}, func(ctx context.Context, input *struct {
		EntityType string        `path:"entityType" enum:"village,family,plot,house,facility,material"`
		Body       VerifyRequest `json:"body"`
	}) (*struct {
		Body domain.Verification `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.VerifyVerification(ctx, principal, domain.EntityKind(input.EntityType),
			input.Body.VerificationID, input.Body.Status, input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verification `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-verification",
		Method:      http.MethodPut,
		Path:        "/{entityType}/stage-update/{verificationId}",
		Summary:     "Edit the name, notes or documents of a pending verification",
		Errors:      ledgerErrors,
	}, func(ctx context.Context, input *struct {
		EntityType     string                  `path:"entityType" enum:"village,family,plot,house,facility,material"`
		VerificationID string                  `path:"verificationId"`
		Body           EditVerificationRequest `json:"body"`
	}) (*struct {
		Body domain.Verification `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.EditVerification(ctx, principal, domain.EntityKind(input.EntityType), input.VerificationID, engine.VerificationPatch{
			Name:      input.Body.Name,
			Notes:     input.Body.Notes,
			Documents: input.Body.Documents,
			UserID:    input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verification `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-verification",
		Method:      http.MethodDelete,
		Path:        "/{entityType}/stage-update/{verificationId}",
		Summary:     "Soft-delete an unapproved verification",
		Errors:      ledgerErrors,
	}, func(ctx context.Context, input *struct {
		EntityType     string `path:"entityType" enum:"village,family,plot,house,facility,material"`
		VerificationID string `path:"verificationId"`
		UserID         string `query:"userId"`
	}) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteVerification(ctx, principal, domain.EntityKind(input.EntityType), input.VerificationID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletedResponse `json:"body"`
		}{Body: DeletedResponse{Deleted: input.VerificationID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/{entityType}/stage-update/{verificationId}",
		Summary:     "Get a verification with its status history",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType     string `path:"entityType" enum:"village,family,plot,house,facility,material"`
		VerificationID string `path:"verificationId"`
	}) (*struct {
		Body domain.Verification `json:"body"`
	}, error) {
		v, err := e.GetVerification(ctx, domain.EntityKind(input.EntityType), input.VerificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verification `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verifications",
		Method:      http.MethodGet,
		Path:        "/{entityType}/stage-update",
		Summary:     "List verifications, newest first",
		Description: "Without a status filter an approver sees the records waiting on their role; other callers see every status.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entityType" enum:"village,family,plot,house,facility,material"`
		EntityID   string `query:"entityId"`
		HomeID     string `query:"homeId" doc:"Alias of entityId for house records"`
		VillageID  string `query:"villageId"`
		StageID    string `query:"stageId"`
		Status     int    `query:"status" minimum:"0" maximum:"4" doc:"0 or absent applies the caller's default"`
		AllStatus  bool   `query:"allStatus" doc:"Disable the approver default"`
		Name       string `query:"name"`
		FromDate   string `query:"fromDate" example:"2024-01-01"`
		ToDate     string `query:"toDate" example:"2024-01-31"`
		Page       int    `query:"page" default:"1" minimum:"1"`
		Limit      int    `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body engine.VerificationPage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q := engine.VerificationQuery{
			EntityKind: domain.EntityKind(input.EntityType),
			EntityID:   input.EntityID,
			VillageID:  input.VillageID,
			StageID:    input.StageID,
			Name:       input.Name,
			FromDate:   input.FromDate,
			ToDate:     input.ToDate,
			Page:       input.Page,
			Limit:      input.Limit,
		}
		if q.EntityID == "" && q.EntityKind == domain.KindHouse {
			q.EntityID = input.HomeID
		}
		q.Status = defaultStatusFilter(principal, input.Status, input.AllStatus)
		page, err := e.ListVerifications(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VerificationPage `json:"body"`
		}{Body: page}, nil
	})
}

// defaultStatusFilter picks the status to list by. An explicit status wins;
// otherwise approvers see the records currently waiting on their role.
func defaultStatusFilter(p auth.Principal, status int, all bool) *int {
	if status > 0 {
		return &status
	}
	if all {
		return nil
	}
	if required, ok := auth.RequiredStatus(p.Role); ok {
		return &required
	}
	return nil
}
