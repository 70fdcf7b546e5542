package license

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/entitlement"
)

type CreateAgentInput struct {
	LicenseID    string
	Code         string
	Entitlements map[string]entitlement.Feature
}

func (s *Service) CreateAgent(ctx context.Context, in CreateAgentInput) (*Agent, error) {
	lic, err := s.Get(ctx, in.LicenseID)
	if err != nil {
		return nil, err
	}
	if in.Code == "" {
		return nil, errutil.BadRequest("agent code is required", nil)
	}

	exist, err := s.agents.FindOne(ctx, &Agent{LicenseID: lic.ID, Code: in.Code})
	if err != nil {
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict(fmt.Sprintf("agent %s already exists", in.Code), nil)
	}

	var overrides datatypes.JSON
	if in.Entitlements != nil {
		overrides, err = entitlement.MarshalFeatures(in.Entitlements)
		if err != nil {
			return nil, errutil.Internal("failed to encode agent entitlements", err)
		}
	}

	agent := &Agent{
		ID:           s.node.Generate().String(),
		LicenseID:    lic.ID,
		Code:         in.Code,
		Enabled:      true,
		Entitlements: overrides,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent accepts either the agent's ID or its code under the license.
func (s *Service) GetAgent(ctx context.Context, licenseID, idOrCode string) (*Agent, error) {
	agent, err := s.agents.FindOne(ctx, &Agent{LicenseID: licenseID, ID: idOrCode})
	if err != nil {
		return nil, err
	}
	if agent == nil {
		agent, err = s.agents.FindOne(ctx, &Agent{LicenseID: licenseID, Code: idOrCode})
		if err != nil {
			return nil, err
		}
	}
	if agent == nil {
		return nil, errutil.NotFound(fmt.Sprintf("agent %s not found", idOrCode), nil)
	}
	return agent, nil
}

func (s *Service) ListAgents(ctx context.Context, licenseID string) ([]*Agent, error) {
	return s.agents.Find(ctx, &Agent{LicenseID: licenseID})
}

func (s *Service) SetAgentEnabled(ctx context.Context, licenseID, idOrCode string, enabled bool) (*Agent, error) {
	agent, err := s.GetAgent(ctx, licenseID, idOrCode)
	if err != nil {
		return nil, err
	}

	if err := s.agents.Update(ctx, agent.ID, map[string]any{
		"enabled":    enabled,
		"updated_at": time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	return s.GetAgent(ctx, licenseID, agent.ID)
}
