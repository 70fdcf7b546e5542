package license

import (
	"context"
	"fmt"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/entitlement"
)

// ResolveOptions tunes entitlement resolution. ForReporting bypasses the
// active-status gate so delegated usage against a just-deactivated license
// can still be attributed and logged.
type ResolveOptions struct {
	AgentID      string
	ForReporting bool
}

// Resolve folds the four entitlement layers for a license (and optionally
// one of its agents) into an immutable snapshot: tenant defaults, product
// features, license overrides, agent overrides, in rising precedence.
func (s *Service) Resolve(ctx context.Context, licenseID string, opts ResolveOptions) (entitlement.Snapshot, error) {
	var zero entitlement.Snapshot

	lic, err := s.Get(ctx, licenseID)
	if err != nil {
		return zero, err
	}

	if !opts.ForReporting {
		switch lic.Status {
		case StatusActive:
		case StatusExpired:
			return zero, errutil.LicenseExpired("license is expired")
		default:
			return zero, errutil.LicenseNotActive(fmt.Sprintf("license is %s", lic.Status))
		}
	}

	ten, err := s.tenants.GetTenant(ctx, lic.TenantID)
	if err != nil {
		return zero, err
	}
	tenantLayer, err := s.tenants.DefaultLayer(ten)
	if err != nil {
		return zero, errutil.Internal("failed to decode tenant entitlements", err)
	}

	prod, err := s.products.Get(ctx, lic.ProductID)
	if err != nil {
		return zero, err
	}
	productLayer, err := s.products.FeatureLayer(prod)
	if err != nil {
		return zero, errutil.Internal("failed to decode product features", err)
	}

	licenseLayer, err := entitlement.ParseFeatures(lic.Entitlements)
	if err != nil {
		return zero, errutil.Internal("failed to decode license entitlements", err)
	}

	layers := []map[string]entitlement.Feature{tenantLayer, productLayer, licenseLayer}

	if opts.AgentID != "" {
		agent, err := s.GetAgent(ctx, licenseID, opts.AgentID)
		if err != nil {
			return zero, err
		}
		if !agent.Enabled {
			return zero, errutil.AgentNotEntitled(fmt.Sprintf("agent %s is disabled", agent.Code))
		}
		agentLayer, err := entitlement.ParseFeatures(agent.Entitlements)
		if err != nil {
			return zero, errutil.Internal("failed to decode agent entitlements", err)
		}
		layers = append(layers, agentLayer)
	}

	return entitlement.Resolve(time.Now(), layers...), nil
}

// ResolveComposed merges the effective entitlements of several licenses,
// e.g. a customer holding multiple products. Each license is resolved
// independently, then composed per-feature.
func (s *Service) ResolveComposed(ctx context.Context, licenseIDs []string) (entitlement.Snapshot, error) {
	snapshots := make([]entitlement.Snapshot, 0, len(licenseIDs))
	for _, id := range licenseIDs {
		snap, err := s.Resolve(ctx, id, ResolveOptions{})
		if err != nil {
			return entitlement.Snapshot{}, err
		}
		snapshots = append(snapshots, snap)
	}
	return entitlement.Compose(time.Now(), snapshots...), nil
}
