package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/data-retrieval/internal/api/shared"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/stretchr/testify/assert"
)

func TestTraceMiddleware(t *testing.T) {
	log, buf := logger.GetTestLogger(t)

	var traceID, requestID string
	var hasLogger bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		requestID = logger.RequestID(r.Context())
		hasLogger = logger.FromContext(r.Context()) != nil
		w.WriteHeader(http.StatusNoContent)
	})

	handler := chimw.RequestID(NewTraceMiddleware(log)(next))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, requestID)
	assert.True(t, hasLogger)

	entries := buf.EntriesWithMessage("request started")
	if assert.Len(t, entries, 1) {
		assert.Equal(t, traceID, entries[0]["trace_id"])
		assert.Equal(t, "/api/tasks", entries[0]["path"])
	}
}
