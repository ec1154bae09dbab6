package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worknode/internal/confirm"
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/engine/auth"
	"worknode/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_consumed"`
	Message string         `json:"message" example:"confirmation c1 already consumed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body for huma.
type output[T any] struct {
	Body T
}

func reply[T any](body T) *output[T] {
	return &output[T]{Body: body}
}

// BasePath normalizes an API prefix. Empty or "/" means /v0.
func BasePath(p string) string {
	base := "/" + strings.Trim(p, "/")
	if base == "/" {
		return "/v0"
	}
	return base
}

// OpenAPIPath is where New serves the OpenAPI document for basePath.
func OpenAPIPath(basePath string) string {
	return path.Join(BasePath(basePath), "openapi") + ".json"
}

// New returns an HTTP handler exposing the worknode API. The OpenAPI document
// is served at OpenAPIPath and rendered at /docs.
func New(cfg Config) (http.Handler, error) {
	basePath := BasePath(cfg.BasePath)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Request schema failures surface as 400 rather than huma's 422.
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, accessLog(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("worknode API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = "/docs"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	oas := api.OpenAPI()
	oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	oas.OnAddOperation = append(oas.OnAddOperation, documentOperation)

	group := huma.NewGroup(api, basePath)
	registerHealth(group)
	registerNodes(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerConfirmations(group, cfg.Engine)
	registerApply(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	return router, nil
}

// documentOperation points every error response at the shared envelope and marks
// the operation as bearer-protected unless it is one of the open endpoints.
func documentOperation(_ *huma.OpenAPI, op *huma.Operation) {
	if op.Responses == nil {
		op.Responses = map[string]*huma.Response{}
	}
	op.Responses["default"] = &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	switch op.OperationID {
	case "health", "dev-login":
		op.Security = []map[string][]string{}
	default:
		op.Security = []map[string][]string{{"bearerAuth": {}}}
	}
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(started),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
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
	msg := err.Error()
	var pf *engine.PartialFailureError
	if errors.As(err, &pf) {
		return newAPIError(http.StatusInternalServerError, "partial_failure", msg, map[string]any{"operation": pf.Op, "applied": nonNilSlice(pf.Applied)})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"actor_class": fe.Class, "action": fe.Action})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, map[string]any{"field": ve.Field})
	}
	var ac confirm.AlreadyConsumedError
	if errors.As(err, &ac) {
		return newAPIError(http.StatusConflict, "already_consumed", msg, map[string]any{"confirmation_id": ac.ID, "consumed_at": ac.ConsumedAt})
	}
	var ex confirm.ExpiredError
	if errors.As(err, &ex) {
		return newAPIError(http.StatusConflict, "expired", msg, map[string]any{"confirmation_id": ex.ID, "expires_at": ex.ExpiresAt})
	}
	var mm confirm.MismatchError
	if errors.As(err, &mm) {
		return newAPIError(http.StatusConflict, "mismatch", msg, map[string]any{
			"confirmation_id": mm.ID,
			"field":           mm.Field,
			"expected":        mm.Expected,
			"actual":          mm.Actual,
		})
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, map[string]any{
			"from_status":       it.From,
			"to_status":         it.To,
			"valid_transitions": statusStrings(it.Valid),
		})
	}
	switch {
	case errors.Is(err, engine.ErrCycle):
		return newAPIError(http.StatusConflict, "cycle", msg, nil)
	case errors.Is(err, engine.ErrSelfMove):
		return newAPIError(http.StatusConflict, "self_move", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		class, err := auth.ParseClass(input.Body.ActorClass)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, class, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
