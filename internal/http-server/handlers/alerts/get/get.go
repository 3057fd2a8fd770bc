package get

import (
	"context"
	"log/slog"
	"net/http"

	"shiftwatch/api"
	"shiftwatch/pkg/response"
	"shiftwatch/pkg/sl"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type AlertLister interface {
	ListOpenAlerts(ctx context.Context, siteID string) ([]*api.AlertResponse, error)
}

type Response struct {
	response.Response
	Alerts []*api.AlertResponse `json:"alerts"`
}

func New(log *slog.Logger, lister AlertLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.alerts.get.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		siteID := r.URL.Query().Get("site_id")
		if siteID == "" {
			log.Error("site_id is empty")
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error(string(response.BAD_REQUEST), "site_id is required"))
			return
		}

		alerts, err := lister.ListOpenAlerts(r.Context(), siteID)
		if err != nil {
			log.Error("Failed to list alerts", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error(string(response.FAILED_REQUEST), "failed to list alerts"))
			return
		}

		render.JSON(w, r, Response{
			Alerts: alerts,
		})
	}
}
