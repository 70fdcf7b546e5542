package httpapi

import (
	"net/http"
	"time"

	"licensing-controlplane/services/apikey"
	"licensing-controlplane/services/customer"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/product"
	"licensing-controlplane/services/tenant"
)

type createTenantRequest struct {
	Name                string                         `json:"name"`
	Slug                string                         `json:"slug"`
	CountryCode         string                         `json:"country_code"`
	Timezone            string                         `json:"timezone"`
	DefaultEntitlements map[string]entitlement.Feature `json:"default_entitlements"`
}

func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createTenantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ten, err := h.tenants.CreateTenant(r.Context(), tenant.CreateRequest{
		Name:                req.Name,
		Slug:                req.Slug,
		CountryCode:         req.CountryCode,
		Timezone:            req.Timezone,
		DefaultEntitlements: req.DefaultEntitlements,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ten)
}

func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	tenants, err := h.tenants.ListTenants(r.Context(), tenant.ListRequest{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (h *Handler) getTenant(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ten, err := h.tenants.GetTenant(r.Context(), params["tenant_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ten)
}

type createProductRequest struct {
	TenantID         string                         `json:"tenant_id"`
	Code             string                         `json:"code"`
	Name             string                         `json:"name"`
	Features         map[string]entitlement.Feature `json:"features"`
	Metrics          []string                       `json:"metrics"`
	DefaultSeatLimit int                            `json:"default_seat_limit"`
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createProductRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	prod, err := h.products.Create(r.Context(), product.CreateInput{
		TenantID:         req.TenantID,
		Code:             req.Code,
		Name:             req.Name,
		Features:         req.Features,
		Metrics:          req.Metrics,
		DefaultSeatLimit: req.DefaultSeatLimit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, prod)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	products, err := h.products.List(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

type createCustomerRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

func (h *Handler) createCustomer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createCustomerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	cust, err := h.customers.Create(r.Context(), customer.CreateInput{
		TenantID: req.TenantID,
		Email:    req.Email,
		Name:     req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cust)
}

type createAPIKeyRequest struct {
	TenantID  string     `json:"tenant_id"`
	KeyType   string     `json:"key_type"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) createAPIKey(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createAPIKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	key, secret, err := h.apikeys.Create(r.Context(), apikey.CreateInput{
		TenantID:  req.TenantID,
		KeyType:   apikey.APIKeyType(req.KeyType),
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// the plaintext secret is returned exactly once
	writeJSON(w, http.StatusCreated, map[string]any{"api_key": key, "secret": secret})
}

func (h *Handler) revokeAPIKey(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := h.apikeys.Revoke(r.Context(), params["key_id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
