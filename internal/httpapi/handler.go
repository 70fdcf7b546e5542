package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/activation"
	"licensing-controlplane/services/anomaly"
	"licensing-controlplane/services/apikey"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/customer"
	"licensing-controlplane/services/lease"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/product"
	"licensing-controlplane/services/tenant"
	"licensing-controlplane/services/usage"
)

// Module registers the JSON API on the gateway mux.
var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

type Handler struct {
	tenants     *tenant.Service
	products    *product.Service
	customers   *customer.Service
	apikeys     *apikey.Service
	licenses    *license.Service
	activations *activation.Service
	usage       *usage.Service
	anomalies   *anomaly.Service
	audit       *audit.Service
	leases      *lease.Service
}

type HandlerParams struct {
	fx.In
	Tenants     *tenant.Service
	Products    *product.Service
	Customers   *customer.Service
	APIKeys     *apikey.Service
	Licenses    *license.Service
	Activations *activation.Service
	Usage       *usage.Service
	Anomalies   *anomaly.Service
	Audit       *audit.Service
	Leases      *lease.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		tenants:     p.Tenants,
		products:    p.Products,
		customers:   p.Customers,
		apikeys:     p.APIKeys,
		licenses:    p.Licenses,
		activations: p.Activations,
		usage:       p.Usage,
		anomalies:   p.Anomalies,
		audit:       p.Audit,
		leases:      p.Leases,
	}
}

func registerRoutes(mux *runtime.ServeMux, h *Handler) error {
	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/tenants", h.createTenant},
		{http.MethodGet, "/v1/tenants", h.listTenants},
		{http.MethodGet, "/v1/tenants/{tenant_id}", h.getTenant},
		{http.MethodPost, "/v1/products", h.createProduct},
		{http.MethodGet, "/v1/products", h.listProducts},
		{http.MethodPost, "/v1/customers", h.createCustomer},
		{http.MethodPost, "/v1/apikeys", h.createAPIKey},
		{http.MethodDelete, "/v1/apikeys/{key_id}", h.revokeAPIKey},

		{http.MethodPost, "/v1/licenses", h.createLicense},
		{http.MethodGet, "/v1/licenses", h.listLicenses},
		{http.MethodGet, "/v1/licenses/{license_id}", h.getLicense},
		{http.MethodPost, "/v1/licenses/validate", h.validateKey},
		{http.MethodPut, "/v1/licenses/{license_id}/entitlements", h.updateOverrides},
		{http.MethodPost, "/v1/licenses/{license_id}/expire", h.expireLicense},
		{http.MethodGet, "/v1/licenses/{license_id}/entitlements", h.resolveEntitlements},
		{http.MethodPost, "/v1/licenses/compose", h.composeEntitlements},

		{http.MethodPost, "/v1/licenses/{license_id}/agents", h.createAgent},
		{http.MethodGet, "/v1/licenses/{license_id}/agents", h.listAgents},
		{http.MethodPut, "/v1/licenses/{license_id}/agents/{agent_id}/enabled", h.setAgentEnabled},

		{http.MethodPost, "/v1/licenses/{license_id}/activations", h.activate},
		{http.MethodGet, "/v1/licenses/{license_id}/activations", h.listActivations},
		{http.MethodDelete, "/v1/licenses/{license_id}/activations/{fingerprint}", h.deactivate},
		{http.MethodPost, "/v1/licenses/{license_id}/activations/{fingerprint}/heartbeat", h.heartbeat},

		{http.MethodPost, "/v1/licenses/{license_id}/usage", h.recordUsage},
		{http.MethodGet, "/v1/licenses/{license_id}/usage/summary", h.usageSummary},
		{http.MethodGet, "/v1/licenses/{license_id}/usage/agents", h.agentBreakdown},

		{http.MethodGet, "/v1/anomalies", h.listAnomalies},
		{http.MethodPost, "/v1/anomalies/{anomaly_id}/resolve", h.resolveAnomaly},

		{http.MethodGet, "/v1/licenses/{license_id}/audit", h.listAuditEvents},
		{http.MethodPost, "/v1/licenses/{license_id}/audit/verify", h.verifyAuditChain},

		{http.MethodPost, "/v1/licenses/{license_id}/leases", h.issueLease},
		{http.MethodPost, "/v1/leases/verify", h.verifyLease},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			zap.L().Error("failed to register route", zap.String("path", r.path), zap.Error(err))
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var be errutil.BaseError
	if errors.As(err, &be) {
		writeJSON(w, be.Code.HTTPStatus(), be.JSON())
		return
	}
	zap.L().Error("unhandled api error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errutil.BaseError{
		Code:    errutil.StatusInternal,
		Message: "internal error",
	}.JSON())
}

func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errutil.BadRequest("invalid request body", err)
	}
	return nil
}
