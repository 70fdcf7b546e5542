package httpapi

import (
	"net/http"
	"time"

	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/lease"
	"licensing-controlplane/services/license"
)

type createLicenseRequest struct {
	TenantID     string                         `json:"tenant_id"`
	ProductID    string                         `json:"product_id"`
	CustomerID   string                         `json:"customer_id"`
	SeatLimit    int                            `json:"seat_limit"`
	KeyVersion   *int                           `json:"key_version"`
	Entitlements map[string]entitlement.Feature `json:"entitlements"`
	ExpiresAt    *time.Time                     `json:"expires_at"`
	Actor        string                         `json:"actor"`
}

func (h *Handler) createLicense(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createLicenseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.licenses.Create(r.Context(), license.CreateInput{
		TenantID:     req.TenantID,
		ProductID:    req.ProductID,
		CustomerID:   req.CustomerID,
		SeatLimit:    req.SeatLimit,
		KeyVersion:   req.KeyVersion,
		Entitlements: req.Entitlements,
		ExpiresAt:    req.ExpiresAt,
		Actor:        req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// the raw key is returned exactly once
	writeJSON(w, http.StatusCreated, map[string]any{"license": res.License, "key": res.RawKey})
}

func (h *Handler) getLicense(w http.ResponseWriter, r *http.Request, params map[string]string) {
	lic, err := h.licenses.Get(r.Context(), params["license_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (h *Handler) listLicenses(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	licenses, err := h.licenses.List(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": licenses})
}

type validateKeyRequest struct {
	Key     string `json:"key"`
	AgentID string `json:"agent_id"`

	// Lease requests an offline lease alongside the validation result.
	Lease bool `json:"lease"`
}

// validateKey is the client-facing entry point: offline key check, lookup,
// state gate, entitlement resolution, and optionally a signed lease.
func (h *Handler) validateKey(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req validateKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lic, err := h.licenses.GetByKey(r.Context(), req.Key)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot, err := h.licenses.Resolve(r.Context(), lic.ID, license.ResolveOptions{AgentID: req.AgentID})
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"license_id": lic.ID,
		"status":     lic.Status,
		"snapshot":   snapshot,
	}
	if req.Lease {
		issued, err := h.leases.Issue(r.Context(), lease.IssueInput{LicenseID: lic.ID, Actor: "validate"})
		if err != nil {
			writeError(w, err)
			return
		}
		body["lease_token"] = issued.Token
		body["lease_expires_at"] = issued.Payload.ExpiresAt
	}
	writeJSON(w, http.StatusOK, body)
}

type updateOverridesRequest struct {
	Entitlements map[string]entitlement.Feature `json:"entitlements"`
	Actor        string                         `json:"actor"`
}

func (h *Handler) updateOverrides(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req updateOverridesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lic, err := h.licenses.UpdateOverrides(r.Context(), params["license_id"], req.Entitlements, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (h *Handler) expireLicense(w http.ResponseWriter, r *http.Request, params map[string]string) {
	lic, err := h.licenses.Expire(r.Context(), params["license_id"], "admin")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (h *Handler) resolveEntitlements(w http.ResponseWriter, r *http.Request, params map[string]string) {
	snapshot, err := h.licenses.Resolve(r.Context(), params["license_id"], license.ResolveOptions{
		AgentID:      r.URL.Query().Get("agent_id"),
		ForReporting: r.URL.Query().Get("for_reporting") == "true",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type composeRequest struct {
	LicenseIDs []string `json:"license_ids"`
}

func (h *Handler) composeEntitlements(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req composeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	snapshot, err := h.licenses.ResolveComposed(r.Context(), req.LicenseIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type createAgentRequest struct {
	Code         string                         `json:"code"`
	Entitlements map[string]entitlement.Feature `json:"entitlements"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req createAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent, err := h.licenses.CreateAgent(r.Context(), license.CreateAgentInput{
		LicenseID:    params["license_id"],
		Code:         req.Code,
		Entitlements: req.Entitlements,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	agents, err := h.licenses.ListAgents(r.Context(), params["license_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type setAgentEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) setAgentEnabled(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req setAgentEnabledRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agent, err := h.licenses.SetAgentEnabled(r.Context(), params["license_id"], params["agent_id"], req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) listAuditEvents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	events, err := h.audit.List(r.Context(), params["license_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) verifyAuditChain(w http.ResponseWriter, r *http.Request, params map[string]string) {
	result, err := h.audit.VerifyChain(r.Context(), params["license_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type issueLeaseRequest struct {
	TTLSeconds int    `json:"ttl_seconds"`
	AgentID    string `json:"agent_id"`
	Actor      string `json:"actor"`
}

func (h *Handler) issueLease(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req issueLeaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.leases.Issue(r.Context(), lease.IssueInput{
		LicenseID: params["license_id"],
		AgentID:   req.AgentID,
		Actor:     req.Actor,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"lease": res.Lease,
		"token": res.Token,
	})
}

type verifyLeaseRequest struct {
	Token string `json:"token"`
}

func (h *Handler) verifyLease(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req verifyLeaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	payload, err := h.leases.Verify(r.Context(), req.Token, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
