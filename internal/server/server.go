// Package server exposes the curation engine over HTTP. Optimistic
// concurrency travels on the wire as ETag response headers and If-Match
// request headers; a lost race the engine could not reconcile comes back
// as 412 precondition_failed.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"groundline/internal/config"
	"groundline/internal/domain"
	"groundline/internal/engine"
	"groundline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"item changed since it was read"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Groundline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Groundline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerTransfer(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerConfigs(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *store.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusPreconditionFailed, "precondition_failed", err.Error(),
			map[string]any{"item_id": pe.ItemID, "expected": pe.Expected, "current": pe.Current})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(),
			map[string]any{"reasons": ve.Reasons})
	}
	var ue *store.UnavailableError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(),
			map[string]any{"op": ue.Op})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dataset-status",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/status",
		Summary:     "Dataset status",
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Store.CountByStatus(ctx, input.Dataset)
		if err != nil {
			return nil, handleError(err)
		}
		assignments, err := e.Store.ListAssignments(ctx, input.Dataset, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"dataset":       input.Dataset,
			"status_counts": counts,
			"claimed":       len(assignments),
		}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/datasets/{dataset}/items",
		Summary:       "Create item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Dataset string            `path:"dataset"`
		Body    CreateItemRequest `json:"body"`
	}) (*itemOutput, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Turns) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "turns are required", nil)
		}
		item := domain.WorkItem{
			Dataset:    input.Dataset,
			Turns:      input.Body.Turns,
			References: input.Body.References,
			Comment:    input.Body.Comment,
			Tags:       input.Body.Tags,
		}
		if input.Body.ID != nil {
			item.ID = *input.Body.ID
		}
		saved, err := e.CreateItem(ctx, item, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return itemOut(saved), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/items",
		Summary:     "List items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Dataset        string   `path:"dataset"`
		Status         string   `query:"status" enum:",draft,approved,skipped,deleted"`
		Tags           []string `query:"tag"`
		Keyword        string   `query:"q"`
		ReferenceURL   string   `query:"ref_url"`
		AssignedTo     string   `query:"assigned_to"`
		IncludeDeleted bool     `query:"include_deleted"`
		Sort           string   `query:"sort" default:"updated_at"`
		Order          string   `query:"order" enum:"asc,desc" default:"desc"`
		Page           int      `query:"page" default:"1"`
		PageSize       int      `query:"page_size"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		filter := store.Filter{
			Dataset:        input.Dataset,
			Status:         input.Status,
			Tags:           input.Tags,
			Keyword:        input.Keyword,
			ReferenceURL:   input.ReferenceURL,
			AssignedTo:     input.AssignedTo,
			IncludeDeleted: input.IncludeDeleted,
		}
		items, pg, err := e.Store.Query(ctx, filter,
			store.Sort{Field: input.Sort, Desc: input.Order != "asc"},
			store.Page{Number: input.Page, Size: normalizePageSize(e.Config, input.PageSize)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: paginatedItems{Items: items, Pagination: pg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/items/{id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		ID      string `path:"id"`
	}) (*itemOutput, error) {
		item, err := e.Store.Get(ctx, itemKey(e.Config, input.Dataset, input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return itemOut(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-item",
		Method:      http.MethodPut,
		Path:        "/datasets/{dataset}/items/{id}",
		Summary:     "Save item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusPreconditionFailed,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Dataset string          `path:"dataset"`
		ID      string          `path:"id"`
		IfMatch string          `header:"If-Match"`
		Body    SaveItemRequest `json:"body"`
	}) (*saveOutput, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Save(ctx, engine.SaveRequest{
			Key:        itemKey(e.Config, input.Dataset, input.ID),
			Turns:      input.Body.Turns,
			References: input.Body.References,
			Comment:    input.Body.Comment,
			Tags:       input.Body.Tags,
			NextStatus: input.Body.Status,
			IfMatch:    strings.Trim(input.IfMatch, `"`),
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &saveOutput{ETag: res.Item.ETag, Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-item",
		Method:      http.MethodDelete,
		Path:        "/datasets/{dataset}/items/{id}",
		Summary:     "Soft-delete item",
		Errors:      []int{http.StatusNotFound, http.StatusPreconditionFailed},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		ID      string `path:"id"`
		IfMatch string `header:"If-Match"`
	}) (*itemOutput, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := itemKey(e.Config, input.Dataset, input.ID)
		ifMatch := strings.Trim(input.IfMatch, `"`)
		if ifMatch == "" {
			current, err := e.Store.Get(ctx, key)
			if err != nil {
				return nil, handleError(err)
			}
			ifMatch = current.ETag
		}
		saved, err := e.SoftDelete(ctx, key, ifMatch, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return itemOut(saved), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-item",
		Method:      http.MethodPost,
		Path:        "/datasets/{dataset}/items/{id}/restore",
		Summary:     "Restore a soft-deleted item",
		Errors:      []int{http.StatusNotFound, http.StatusPreconditionFailed, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		ID      string `path:"id"`
		IfMatch string `header:"If-Match"`
	}) (*itemOutput, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		saved, err := e.Restore(ctx, itemKey(e.Config, input.Dataset, input.ID), strings.Trim(input.IfMatch, `"`), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return itemOut(saved), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "duplicate-item",
		Method:        http.MethodPost,
		Path:          "/datasets/{dataset}/items/{id}/duplicate",
		Summary:       "Duplicate item into a fresh claimed draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		ID      string `path:"id"`
	}) (*itemOutput, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dup, err := e.Duplicate(ctx, itemKey(e.Config, input.Dataset, input.ID), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return itemOut(dup), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/datasets/{dataset}/items/{id}/release",
		Summary:     "Release a claimed item back to the pool",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		ID      string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Release(ctx, itemKey(e.Config, input.Dataset, input.ID), actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "visit-reference",
		Method:      http.MethodPost,
		Path:        "/datasets/{dataset}/items/{id}/references/{ref_id}/visit",
		Summary:     "Record a reference visit",
		Errors:      []int{http.StatusNotFound, http.StatusPreconditionFailed},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		ID      string `path:"id"`
		RefID   string `path:"ref_id"`
	}) (*itemOutput, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.MarkVisited(ctx, itemKey(e.Config, input.Dataset, input.ID), input.RefID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return itemOut(item), nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-assignments",
		Method:        http.MethodPost,
		Path:          "/datasets/{dataset}/assignments",
		Summary:       "Claim draft items for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Dataset string        `path:"dataset"`
		Body    AssignRequest `json:"body"`
	}) (*struct {
		Body engine.AssignmentResult `json:"body"`
	}, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RequestAssignments(ctx, input.Dataset, actor, input.Body.Count)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Assigned == nil {
			res.Assigned = []domain.WorkItem{}
		}
		return &struct {
			Body engine.AssignmentResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/assignments",
		Summary:     "List assignment records",
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		UserID  string `query:"user_id"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		res, err := e.Store.ListAssignments(ctx, input.Dataset, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if res == nil {
			res = []domain.Assignment{}
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-assignments",
		Method:      http.MethodPost,
		Path:        "/datasets/{dataset}/assignments/sweep",
		Summary:     "Release expired claims",
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		released, err := e.ReleaseExpired(ctx, input.Dataset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"released": released}}, nil
	})
}

func registerTransfer(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-items",
		Method:      http.MethodPost,
		Path:        "/datasets/{dataset}/import",
		Summary:     "Bulk import items as JSON lines",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		RawBody []byte `contentType:"application/x-ndjson"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actor, authErr := curatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		n, err := e.Import(ctx, input.Dataset, bytes.NewReader(input.RawBody), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"imported": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-items",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/export",
		Summary:     "Export items as JSON lines",
	}, func(ctx context.Context, input *struct {
		Dataset        string `path:"dataset"`
		Status         string `query:"status" enum:",draft,approved,skipped,deleted"`
		IncludeDeleted bool   `query:"include_deleted"`
	}) (*huma.StreamResponse, error) {
		filter := store.Filter{Dataset: input.Dataset, Status: input.Status, IncludeDeleted: input.IncludeDeleted}
		return &huma.StreamResponse{Body: func(hctx huma.Context) {
			hctx.SetHeader("Content-Type", "application/x-ndjson")
			if _, err := e.Export(hctx.Context(), filter, hctx.BodyWriter()); err != nil {
				hctx.SetStatus(http.StatusInternalServerError)
			}
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit trail",
	}, func(ctx context.Context, input *struct {
		Dataset string `query:"dataset"`
		Type    string `query:"type"`
		ItemID  string `query:"item_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		evts, err := e.Store.LatestEventsFrom(ctx, limit, input.Cursor, input.Dataset, input.Type, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: evts}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		if len(evts) == limit {
			resp.NextCursor = evts[len(evts)-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerConfigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dataset-config",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset}/config",
		Summary:     "Get dataset config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := e.Store.GetDatasetConfig(ctx, input.Dataset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-dataset-config",
		Method:      http.MethodPut,
		Path:        "/datasets/{dataset}/config",
		Summary:     "Import dataset config as YAML",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Dataset string `path:"dataset"`
		RawBody []byte `contentType:"application/yaml"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if _, authErr := curatorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := config.FromYAML(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Store.UpsertDatasetConfig(ctx, input.Dataset, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		plaintext := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			UserID:  input.Body.UserID,
			Name:    input.Body.Name,
			KeyHash: store.HashAPIKey(plaintext),
		}
		if err := e.Store.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Store.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(stored, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Store.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Store.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func itemKey(cfg *config.Config, dataset, id string) domain.Key {
	return domain.Key{Dataset: dataset, Bucket: cfg.BucketFor(id), ID: id}
}

func normalizePageSize(cfg *config.Config, in int) int {
	if in <= 0 {
		return cfg.Pagination.DefaultPageSize
	}
	if in > cfg.Pagination.MaxPageSize {
		return cfg.Pagination.MaxPageSize
	}
	return in
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
