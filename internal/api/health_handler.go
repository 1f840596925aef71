package api

import (
	"net/http"

	"github.com/phrazzld/data-retrieval/internal/api/shared"
	"github.com/phrazzld/data-retrieval/internal/consumer"
)

// ConsumerStatus reports on the broker consumer.
type ConsumerStatus interface {
	Running() bool
	Stats() consumer.Stats
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string          `json:"status"`
	Consumer *ConsumerHealth `json:"consumer,omitempty"`
}

// ConsumerHealth describes the consumer in a HealthResponse.
type ConsumerHealth struct {
	Running bool `json:"running"`
	consumer.Stats
}

// HealthHandler serves GET /health. The consumer is optional.
type HealthHandler struct {
	consumer ConsumerStatus
}

// NewHealthHandler creates a HealthHandler. c may be nil when the service
// runs without a broker consumer.
func NewHealthHandler(c ConsumerStatus) *HealthHandler {
	return &HealthHandler{consumer: c}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.consumer != nil {
		resp.Consumer = &ConsumerHealth{Running: h.consumer.Running(), Stats: h.consumer.Stats()}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
