package http

import (
	"errors"
	"net/http"

	"capstan/internal/adapters/http/request"
	"capstan/internal/adapters/http/response"
	"capstan/internal/domain"
)

type ProjectHandler struct {
	svc domain.ProjectService

	decoder request.RequestDecoder
	writer  response.ResponseWriter
}

func NewProjectHandler(
	svc domain.ProjectService,
	d request.RequestDecoder,
	w response.ResponseWriter,
) *ProjectHandler {
	return &ProjectHandler{
		svc:     svc,
		decoder: d,
		writer:  w,
	}
}

func (h *ProjectHandler) Index(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.List(r.Context())
	if err != nil {
		h.writer.Write(w, http.StatusInternalServerError, &response.Response{
			Message: "failed to list projects",
		})
		return
	}

	h.writer.Write(w, http.StatusOK, &response.Response{
		Data: projects,
	})
}

func (h *ProjectHandler) Show(w http.ResponseWriter, r *http.Request) {
	project, err := h.svc.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			h.writer.Write(w, http.StatusNotFound, &response.Response{
				Message: "project not found",
			})
			return
		}
		h.writer.Write(w, http.StatusInternalServerError, &response.Response{
			Message: "failed to get project",
		})
		return
	}

	h.writer.Write(w, http.StatusOK, &response.Response{
		Data: project,
	})
}

func (h *ProjectHandler) Store(w http.ResponseWriter, r *http.Request) {
	var payload domain.ProjectCreateRequest
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

	project, err := h.svc.Create(r.Context(), payload)
	if err != nil {
		h.writer.Write(w, http.StatusInternalServerError, &response.Response{
			Message: "failed to create project",
		})
		return
	}

	h.writer.Write(w, http.StatusCreated, &response.Response{
		Data: project,
	})
}
