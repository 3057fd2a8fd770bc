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

type AttendanceRecorder interface {
	RecordAttendance(ctx context.Context, shiftID string, now time.Time) (*api.AttendanceResponse, error)
}

type Response struct {
	response.Response
	Attendance api.AttendanceResponse `json:"attendance,omitempty"`
}

func New(log *slog.Logger, recorder AttendanceRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.attendance.record.New"

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

		attendance, err := recorder.RecordAttendance(r.Context(), shiftID, time.Now().UTC())

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

		if errors.Is(err, response.ErrShiftEnded) {
			log.Error("shift has already ended")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.SHIFT_ENDED), "shift has already ended"))
			return
		}

		if errors.Is(err, response.ErrAlreadyCheckedIn) {
			log.Error("attendance already recorded")
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error(string(response.ALREADY_CHECKED_IN), "attendance already recorded"))
			return
		}

		if err != nil {
			log.Error("Failed to record attendance", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error(string(response.FAILED_REQUEST), "failed to record attendance, try again later"))
			return
		}

		log.Info("Attendance recorded", slog.Any("attendance", attendance))

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, Response{
			Attendance: *attendance,
		})
	}
}
