package httpapi

import (
	"net/http"
	"time"

	"licensing-controlplane/services/activation"
	"licensing-controlplane/services/anomaly"
	"licensing-controlplane/services/usage"
)

type activateRequest struct {
	Fingerprint string `json:"fingerprint"`
	Hostname    string `json:"hostname"`
	Actor       string `json:"actor"`
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req activateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	act, err := h.activations.Activate(r.Context(), activation.ActivateInput{
		LicenseID:   params["license_id"],
		Fingerprint: req.Fingerprint,
		Hostname:    req.Hostname,
		Actor:       req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, act)
}

func (h *Handler) listActivations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	activations, err := h.activations.ListLive(r.Context(), params["license_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activations": activations})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := h.activations.Deactivate(r.Context(), params["license_id"], params["fingerprint"], "api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request, params map[string]string) {
	act, err := h.activations.Heartbeat(r.Context(), params["license_id"], params["fingerprint"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

type recordUsageRequest struct {
	AgentID   string     `json:"agent_id"`
	Metric    string     `json:"metric"`
	Amount    float64    `json:"amount"`
	Timestamp *time.Time `json:"timestamp"`
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req recordUsageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	in := usage.RecordInput{
		LicenseID: params["license_id"],
		AgentID:   req.AgentID,
		Metric:    req.Metric,
		Amount:    req.Amount,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	rec, err := h.usage.Record(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) usageSummary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = usage.PeriodOf(time.Now())
	}

	summaries, err := h.usage.Summary(r.Context(), params["license_id"], period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "metrics": summaries})
}

func (h *Handler) agentBreakdown(w http.ResponseWriter, r *http.Request, params map[string]string) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = usage.PeriodOf(time.Now())
	}

	rows, err := h.usage.AgentBreakdown(r.Context(), params["license_id"], period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "agents": rows})
}

func (h *Handler) listAnomalies(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	anomalies, err := h.anomalies.List(r.Context(), anomaly.ListFilter{
		TenantID:  q.Get("tenant_id"),
		LicenseID: q.Get("license_id"),
		Status:    anomaly.Status(q.Get("status")),
		Severity:  anomaly.Severity(q.Get("severity")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

type resolveAnomalyRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) resolveAnomaly(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req resolveAnomalyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resolved, err := h.anomalies.Resolve(r.Context(), params["anomaly_id"], req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
