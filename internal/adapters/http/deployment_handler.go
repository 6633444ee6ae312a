package http

import (
	"context"
	"errors"
	"net/http"

	"capstan/internal/adapters/http/request"
	"capstan/internal/adapters/http/response"
	"capstan/internal/domain"
)

// Engine is the trigger/cancel surface of the scheduler.
type Engine interface {
	Trigger(ctx context.Context, projectID, reference string) (*domain.Deployment, error)
	Cancel(ctx context.Context, deploymentID string) error
}

type DeploymentHandler struct {
	svc    domain.DeploymentService
	engine Engine

	decoder request.RequestDecoder
	writer  response.ResponseWriter
}

func NewDeploymentHandler(
	svc domain.DeploymentService,
	engine Engine,
	d request.RequestDecoder,
	w response.ResponseWriter,
) *DeploymentHandler {
	return &DeploymentHandler{
		svc:     svc,
		engine:  engine,
		decoder: d,
		writer:  w,
	}
}

type TriggerRequest struct {
	Reference string `json:"reference" validate:"max=250"`
}

func (h *DeploymentHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var payload TriggerRequest
	if err := h.decoder.Decode(r, &payload); err != nil {
		h.writer.Write(w, http.StatusBadRequest, &response.Response{
			Message: err.Error(),
		})
		return
	}

	if errs := ValidateStruct(payload); errs != nil {
		h.writer.Write(w, http.StatusUnprocessableEntity, &response.Response{
			Message: "validation failed",
			Errors:  errs,
		})
		return
	}

	dep, err := h.engine.Trigger(r.Context(), projectID, payload.Reference)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrProjectNotFound):
			h.writer.Write(w, http.StatusNotFound, &response.Response{
				Message: "project not found",
			})
		case errors.Is(err, domain.ErrAlreadyRunning):
			h.writer.Write(w, http.StatusConflict, &response.Response{
				Message: err.Error(),
			})
		default:
			h.writer.Write(w, http.StatusInternalServerError, &response.Response{
				Message: "failed to trigger deployment",
			})
		}
		return
	}

	h.writer.Write(w, http.StatusAccepted, &response.Response{
		Data: dep,
	})
}

func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.PathValue("id")

	if err := h.engine.Cancel(r.Context(), deploymentID); err != nil {
		switch {
		case errors.Is(err, domain.ErrDeploymentNotFound):
			h.writer.Write(w, http.StatusNotFound, &response.Response{
				Message: "deployment not found",
			})
		case errors.Is(err, domain.ErrAlreadyTerminal):
			h.writer.Write(w, http.StatusConflict, &response.Response{
				Message: "deployment already reached a terminal state",
			})
		default:
			h.writer.Write(w, http.StatusInternalServerError, &response.Response{
				Message: "failed to cancel deployment",
			})
		}
		return
	}

	h.writer.Write(w, http.StatusAccepted, &response.Response{
		Message: "cancellation requested",
	})
}

func (h *DeploymentHandler) Show(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.PathValue("id")

	dep, err := h.svc.GetByID(r.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, domain.ErrDeploymentNotFound) {
			h.writer.Write(w, http.StatusNotFound, &response.Response{
				Message: "deployment not found",
			})
			return
		}
		h.writer.Write(w, http.StatusInternalServerError, &response.Response{
			Message: "failed to get deployment",
		})
		return
	}

	h.writer.Write(w, http.StatusOK, &response.Response{
		Data: dep,
	})
}

func (h *DeploymentHandler) Index(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	q := r.URL.Query()

	opts := domain.DeploymentListOptions{
		ProjectID: &projectID,
		Statuses:  GetStringSlice(q, "statuses"),
		Limit:     GetInt(q, "limit", 50),
	}

	deployments, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writer.Write(w, http.StatusInternalServerError, &response.Response{
			Message: "failed to list deployments",
		})
		return
	}

	h.writer.Write(w, http.StatusOK, &response.Response{
		Data: deployments,
	})
}

func (h *DeploymentHandler) Log(w http.ResponseWriter, r *http.Request) {
	deploymentID := r.PathValue("id")
	q := r.URL.Query()

	lines, err := h.svc.Transcript(r.Context(), deploymentID,
		GetInt64(q, "after", 0), GetInt64(q, "limit", 1000))
	if err != nil {
		if errors.Is(err, domain.ErrDeploymentNotFound) {
			h.writer.Write(w, http.StatusNotFound, &response.Response{
				Message: "deployment not found",
			})
			return
		}
		h.writer.Write(w, http.StatusInternalServerError, &response.Response{
			Message: "failed to read transcript",
		})
		return
	}

	h.writer.Write(w, http.StatusOK, &response.Response{
		Data: lines,
	})
}
