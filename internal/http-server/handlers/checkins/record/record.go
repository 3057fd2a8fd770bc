package record

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"shiftwatch/api"
	"shiftwatch/pkg/response"
	"shiftwatch/pkg/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type CheckinRecorder interface {
	RecordCheckin(ctx context.Context, shiftID string, now time.Time) (*api.RecordCheckinResponse, error)
}

type Response struct {
	response.Response
	api.RecordCheckinResponse
}

func New(log *slog.Logger, recorder CheckinRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.checkins.record.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		shiftID := chi.URLParam(r, "id")
		if shiftID == "" {
			log.Error("shift id is empty")
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error(string(response.BAD_REQUEST), "shift id is required"))
			return
		}

		result, err := recorder.RecordCheckin(r.Context(), shiftID, time.Now().UTC())

		if errors.Is(err, response.ErrLocked) {
			log.Error("shift is locked")
			w.WriteHeader(http.StatusLocked)
			render.JSON(w, r, response.Error(string(response.LOCKED), "shift is locked"))
			return
		}

		if errors.Is(err, response.ErrNotFound) {
			log.Error("shift not found")
			w.WriteHeader(http.StatusNotFound)
			render.JSON(w, r, response.Error(string(response.NOT_FOUND), "shift not found"))
			return
		}

		if errors.Is(err, response.ErrAttendanceRequired) {
			log.Error("attendance has not been recorded")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.ATTENDANCE_REQUIRED), "attendance has not been recorded for this shift"))
			return
		}

		if errors.Is(err, response.ErrShiftEnded) {
			log.Error("shift has already ended")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.SHIFT_ENDED), "shift has already ended"))
			return
		}

		if errors.Is(err, response.ErrWindowNotOpen) {
			log.Error("check-in window is not open yet")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.WINDOW_NOT_OPEN), "check-in window is not open yet"))
			return
		}

		if errors.Is(err, response.ErrAlreadyCheckedIn) {
			log.Error("slot is already checked in")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.ALREADY_CHECKED_IN), "current slot is already checked in"))
			return
		}

		if err != nil {
			log.Error("Failed to record check-in", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error(string(response.FAILED_REQUEST), "failed to record check-in, try again later"))
			return
		}

		log.Info("Check-in recorded",
			slog.String("shift_id", shiftID),
			slog.Int("catchups", len(result.Catchups)),
			slog.Bool("is_last_slot", result.IsLastSlot),
		)

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, Response{
			RecordCheckinResponse: *result,
		})
	}
}
