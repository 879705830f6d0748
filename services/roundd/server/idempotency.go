package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundround/services/roundd/models"
)

const idempotencyHeader = "Idempotency-Key"

// withIdempotency replays the stored response for a repeated key. Server
// errors are not stored so the client can retry them.
func withIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			writeError(w, r, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key too long")
			return
		}

		var record models.IdempotencyKey
		err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
		switch {
		case err == nil:
			if record.Method != r.Method || record.Path != r.URL.Path {
				writeError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key used for a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			fail(w, r, err)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		requestID := chimw.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}
		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: requestID,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		}
		if err := db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
			slog.WarnContext(r.Context(), "fundround/server: store idempotent response", "error", err)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
