package resolve

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"shiftwatch/api"
	"shiftwatch/pkg/response"
	"shiftwatch/pkg/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type AlertResolver interface {
	ResolveAlert(ctx context.Context, alertID, actorID, outcome string, note string) (*api.AlertResponse, error)
}

type Request struct {
	api.ResolveAlertRequest
}

type Response struct {
	response.Response
	Alert api.AlertResponse `json:"alert,omitempty"`
}

func New(log *slog.Logger, resolver AlertResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.alerts.resolve.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		alertID := chi.URLParam(r, "id")
		if alertID == "" {
			log.Error("alert id is empty")
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error(string(response.BAD_REQUEST), "alert id is required"))
			return
		}

		var req Request

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			log.Error("Failed to decode request body", sl.Err(err))
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error(string(response.BAD_REQUEST), "failed to decode request"))
			return
		}

		log.Info("Request body decoded", slog.Any("request", req))

		if req.ActorID == "" {
			log.Error("actor_id is empty")
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error(string(response.BAD_REQUEST), "actor_id is required"))
			return
		}

		alert, err := resolver.ResolveAlert(r.Context(), alertID, req.ActorID, req.Outcome, req.Note)

		if errors.Is(err, response.ErrBadRequest) {
			log.Error("invalid outcome", slog.String("outcome", req.Outcome))
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error(string(response.BAD_REQUEST), "outcome must be forgive or resolve"))
			return
		}

		if errors.Is(err, response.ErrNotFound) {
			log.Error("alert not found")
			w.WriteHeader(http.StatusNotFound)
			render.JSON(w, r, response.Error(string(response.NOT_FOUND), "alert not found"))
			return
		}

		if errors.Is(err, response.ErrAlreadyResolved) {
			log.Error("alert is already resolved")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.ALREADY_RESOLVED), "alert is already resolved"))
			return
		}

		if err != nil {
			log.Error("Failed to resolve alert", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error(string(response.FAILED_REQUEST), "failed to resolve alert, try again later"))
			return
		}

		log.Info("Alert resolved", slog.String("alert_id", alertID), slog.String("outcome", req.Outcome))

		render.JSON(w, r, Response{
			Alert: *alert,
		})
	}
}
