// Package handlers exposes the lab workflow over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/analyzer"
	"github.com/drfirst/go-lis/internal/api/middleware"
	"github.com/drfirst/go-lis/internal/approval"
	"github.com/drfirst/go-lis/internal/dispatch"
	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/ingestion"
	"github.com/drfirst/go-lis/internal/intake"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/release"
	"github.com/drfirst/go-lis/internal/specimen"
)

// Services are the workflow components behind the API.
type Services struct {
	Intake     *intake.Service
	Engine     *lifecycle.Engine
	Specimens  *specimen.Registry
	Dispatcher *dispatch.Dispatcher
	Pipeline   *ingestion.Pipeline
	Gate       *approval.Gate
	Release    *release.Service
	Analyzers  *analyzer.Registry
}

// LabHandler serves the /v1 lab endpoints.
type LabHandler struct {
	svc      Services
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewLabHandler(svc Services, logger *zap.Logger) *LabHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LabHandler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		tracer:   otel.Tracer("lab-handler"),
	}
}

// Routes returns the handler routes
func (h *LabHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/orders/{serviceOrderID}/lab-requests", h.ReceiveOrder)

	r.Route("/lab-requests/{id}", func(r chi.Router) {
		r.Get("/", h.GetRequest)
		r.Get("/history", h.History)
		r.Post("/dispatch", h.Dispatch)
		r.Post("/barcodes", h.AssignBarcode)
		r.Post("/collect", h.Collect)
		r.Post("/reject", h.RejectRequest)
		r.Post("/release", h.Release)
		r.Get("/alerts", h.Alerts)
	})

	r.Get("/specimens/{barcode}", h.ResolveBarcode)
	r.Post("/specimens/{barcode}/scan", h.ScanIn)

	r.Post("/items/rerun", h.Rerun)
	r.Route("/items/{id}", func(r chi.Router) {
		r.Post("/start", h.StartItem)
		r.Post("/reject", h.RejectItem)
		r.Post("/results", h.EnterResult)
		r.Get("/results", h.Results)
		r.Post("/validate", h.Validate)
	})

	r.Post("/alerts/{id}/ack", h.AcknowledgeAlert)
	r.Get("/analyzers", h.Analyzers)
	return r
}

// ReceiveOrder handles POST /orders/{serviceOrderID}/lab-requests
func (h *LabHandler) ReceiveOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "receive_order")
	defer span.End()

	orderID := chi.URLParam(r, "serviceOrderID")
	span.SetAttributes(attribute.String("service_order_id", orderID))

	req, err := h.svc.Intake.ReceiveOrder(ctx, orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("lab request created",
		zap.String("request_id", req.ID),
		zap.String("code", req.Code),
		zap.String("http_request_id", middleware.RequestIDFrom(ctx)))
	h.json(w, http.StatusCreated, requestView(req))
}

// GetRequest handles GET /lab-requests/{id}
func (h *LabHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Engine.Request(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, requestView(req))
}

// History handles GET /lab-requests/{id}/history
func (h *LabHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Engine.Request(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	events, err := h.svc.Engine.Repository().History(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*lab.Event{}
	}
	h.json(w, http.StatusOK, events)
}

// Dispatch handles POST /lab-requests/{id}/dispatch
func (h *LabHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispatch_request")
	defer span.End()

	res, err := h.svc.Dispatcher.Dispatch(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, res)
}

// BarcodeRequest assigns a generated barcode, or confirms a pre-printed tube
// label when Barcode is set.
type BarcodeRequest struct {
	SpecimenType string `json:"specimen_type" validate:"required"`
	Barcode      string `json:"barcode" validate:"omitempty,alphanum,max=32"`
}

// AssignBarcode handles POST /lab-requests/{id}/barcodes
func (h *LabHandler) AssignBarcode(w http.ResponseWriter, r *http.Request) {
	var body BarcodeRequest
	if !h.decode(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	actor := actorOf(r)

	barcode := body.Barcode
	var err error
	if barcode == "" {
		barcode, err = h.svc.Specimens.AssignBarcode(r.Context(), id, body.SpecimenType, actor)
	} else {
		err = h.svc.Specimens.ConfirmBarcode(r.Context(), id, barcode, body.SpecimenType, actor)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]string{
		"request_id":    id,
		"barcode":       barcode,
		"specimen_type": body.SpecimenType,
	})
}

type CollectRequest struct {
	Barcode   string `json:"barcode" validate:"required"`
	Collector string `json:"collector" validate:"required"`
}

// Collect handles POST /lab-requests/{id}/collect
func (h *LabHandler) Collect(w http.ResponseWriter, r *http.Request) {
	var body CollectRequest
	if !h.decode(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	res, err := h.svc.Specimens.ResolveBarcode(r.Context(), body.Barcode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Request.ID != id {
		h.jsonError(w, "barcode belongs to another request", http.StatusConflict)
		return
	}
	req, moved, err := h.svc.Engine.Collect(r.Context(), body.Barcode, body.Collector)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]any{
		"request": requestView(req),
		"moved":   itemViews(moved),
	})
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RejectRequest handles POST /lab-requests/{id}/reject
func (h *LabHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.svc.Engine.RejectRequest(r.Context(), chi.URLParam(r, "id"), body.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, requestView(req))
}

// Release handles POST /lab-requests/{id}/release
func (h *LabHandler) Release(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "release_request")
	defer span.End()

	outcome, note, err := h.svc.Release.Release(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]any{
		"outcome":      outcome,
		"notification": note,
	})
}

// Alerts handles GET /lab-requests/{id}/alerts
func (h *LabHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Engine.Request(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	alerts, err := h.svc.Engine.Repository().Alerts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AlertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertView(a))
	}
	h.json(w, http.StatusOK, out)
}

// ResolveBarcode handles GET /specimens/{barcode}
func (h *LabHandler) ResolveBarcode(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Specimens.ResolveBarcode(r.Context(), chi.URLParam(r, "barcode"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]any{
		"request_id":    res.Request.ID,
		"request_code":  res.Request.Code,
		"specimen_type": res.SpecimenType,
		"items":         itemViews(res.Items),
	})
}

// ScanIn handles POST /specimens/{barcode}/scan
func (h *LabHandler) ScanIn(w http.ResponseWriter, r *http.Request) {
	req, changed, err := h.svc.Engine.ScanIn(r.Context(), chi.URLParam(r, "barcode"), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]any{
		"request": requestView(req),
		"changed": changed,
	})
}

type StartRequest struct {
	AnalyzerID string `json:"analyzer_id"`
}

// StartItem handles POST /items/{id}/start
func (h *LabHandler) StartItem(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	it, err := h.svc.Engine.Start(r.Context(), chi.URLParam(r, "id"), body.AnalyzerID, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, itemView(it))
}

// RejectItem handles POST /items/{id}/reject
func (h *LabHandler) RejectItem(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.svc.Engine.RejectItem(r.Context(), chi.URLParam(r, "id"), body.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, requestView(req))
}

// ResultRequest is a manually entered result.
type ResultRequest struct {
	ingestion.Input
	EnteredBy string `json:"entered_by" validate:"required"`
}

// EnterResult handles POST /items/{id}/results
func (h *LabHandler) EnterResult(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "enter_result")
	defer span.End()

	var body ResultRequest
	if !h.decode(w, r, &body) {
		return
	}
	out, err := h.svc.Pipeline.IngestManualResult(ctx, chi.URLParam(r, "id"), body.EnteredBy, body.Input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"result":         resultView(out.Result),
		"evaluation":     out.Evaluation,
		"monitor_failed": out.MonitorFailed,
	}
	if out.Alert != nil {
		resp["alert"] = alertView(out.Alert)
	}
	h.json(w, http.StatusCreated, resp)
}

// Results handles GET /items/{id}/results
func (h *LabHandler) Results(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	repo := h.svc.Engine.Repository()
	if _, err := repo.GetItem(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	results, err := repo.Results(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ResultView, 0, len(results))
	for _, res := range results {
		out = append(out, resultView(res))
	}
	h.json(w, http.StatusOK, out)
}

type ValidateRequest struct {
	ValidatorID string `json:"validator_id" validate:"required"`
}

// Validate handles POST /items/{id}/validate
func (h *LabHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body ValidateRequest
	if !h.decode(w, r, &body) {
		return
	}
	outcome, err := h.svc.Gate.Validate(r.Context(), chi.URLParam(r, "id"), body.ValidatorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]any{"outcome": outcome})
}

type RerunRequest struct {
	ItemIDs []string `json:"item_ids" validate:"required,min=1,dive,required"`
	Reason  string   `json:"reason" validate:"required"`
}

// Rerun handles POST /items/rerun
func (h *LabHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	var body RerunRequest
	if !h.decode(w, r, &body) {
		return
	}
	items, err := h.svc.Pipeline.Rerun(r.Context(), body.ItemIDs, body.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, itemViews(items))
}

type AckRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// AcknowledgeAlert handles POST /alerts/{id}/ack
func (h *LabHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var body AckRequest
	if !h.decode(w, r, &body) {
		return
	}
	a, err := h.svc.Pipeline.AcknowledgeAlert(r.Context(), chi.URLParam(r, "id"), body.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.json(w, http.StatusOK, alertView(a))
}

// Analyzers handles GET /analyzers
func (h *LabHandler) Analyzers(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, h.svc.Analyzers.Statuses())
}

// actorOf names who performed an action: the X-User-ID header, else the
// API client.
func actorOf(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User-ID")); u != "" {
		return u
	}
	if c := middleware.ClientFrom(r.Context()); c != "" {
		return c
	}
	return lab.SystemActor
}

func (h *LabHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return h.check(w, v)
}

// decodeOptional accepts an empty body.
func (h *LabHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return h.check(w, v)
	}
	return h.decode(w, r, v)
}

func (h *LabHandler) check(w http.ResponseWriter, v any) bool {
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			h.jsonError(w, "invalid fields: "+strings.Join(fields, ", "), http.StatusUnprocessableEntity)
			return false
		}
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return false
	}
	return true
}

// StatusFor maps workflow errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, lab.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, lab.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lab.ErrInvalidTransition),
		errors.Is(err, lab.ErrDuplicateBarcode),
		errors.Is(err, lab.ErrConcurrentModification),
		errors.Is(err, lab.ErrIncompleteValidation),
		errors.Is(err, lab.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, lab.ErrNoLabItems),
		errors.Is(err, lab.ErrNoQualifyingItems),
		errors.Is(err, lab.ErrValidatorRequired),
		errors.Is(err, lab.ErrReasonRequired),
		errors.Is(err, lab.ErrProtocolDecode),
		errors.Is(err, ingestion.ErrUserRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lab.ErrAnalyzerOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *LabHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", code)
		return
	}
	h.jsonError(w, err.Error(), code)
}

func (h *LabHandler) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *LabHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.json(w, code, map[string]string{"error": message})
}
