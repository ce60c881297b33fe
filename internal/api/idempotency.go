package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// withIdempotency is a response cache keyed by the Idempotency-Key header,
// so a retried admin POST (e.g. a requeue call hit twice by an impatient
// operator) replays the first response instead of re-executing.
func withIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			var record models.IdempotencyRecord
			if err := db.First(&record, "key = ?", key).Error; err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxIdempotencyKey, key)))

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			_ = db.Create(&models.IdempotencyRecord{
				Key:       key,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    status,
				Response:  rec.buf,
				CreatedAt: time.Now().UTC(),
			}).Error
		})
	}
}

const ctxIdempotencyKey ctxKey = "idempotency-key"

type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
