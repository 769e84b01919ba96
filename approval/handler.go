package approval

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/jarru/telemetry"
)

// Handler exposes the approval flow over HTTP. Slack makes link
// clicks arrive as GET; POST carries the approver identity in the
// body, so both verbs are accepted on the same route.
type Handler struct {
	service *Service
	logger  *telemetry.Logger
}

func NewHandler(service *Service, logger *telemetry.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NewLogger("approval-http")
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/approve", h.handleApprove)
	r.Post("/approve", h.handleApprove)
	r.Get("/healthz", h.handleHealth)
	return r
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	executionID := query.Get("id")
	signature := query.Get("sig")
	timestamp := query.Get("ts")
	if executionID == "" || signature == "" || timestamp == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Missing required parameters (id, sig, ts)",
		})
		return
	}

	result := h.service.HandleApproval(r.Context(), executionID, signature, timestamp, approverName(r))

	if telemetry.ApprovalOutcomes != nil {
		telemetry.ApprovalOutcomes.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String("outcome", string(result.Outcome))))
	}

	if result.Outcome == OutcomeOK {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":      result.Message,
			"execution_id": result.Execution.ExecutionID,
			"status":       result.Execution.Status,
		})
		return
	}
	writeJSON(w, statusFor(result.Outcome), map[string]string{"error": result.Message})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(outcome Outcome) int {
	switch outcome {
	case OutcomeForbidden:
		return http.StatusForbidden
	case OutcomeExpired:
		return http.StatusGone
	case OutcomeNotFound:
		return http.StatusNotFound
	case OutcomeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// approverName pulls the human identity from a POST body; link clicks
// without one are recorded as unknown
func approverName(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return "unknown"
	}
	var body struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User.Name == "" {
		return "unknown"
	}
	return body.User.Name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
