package attendance

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"campusattend/internal/apperrors"
	"campusattend/internal/auth"
)

// PolicyResolver turns stored department settings into the policy applied
// to new sessions.
type PolicyResolver struct {
	store PolicyStore
}

// NewPolicyResolver creates a resolver over store.
func NewPolicyResolver(store PolicyStore) PolicyResolver {
	return PolicyResolver{store: store}
}

// Resolve returns the department's settings or DefaultPolicy.
func (r PolicyResolver) Resolve(ctx context.Context, departmentID string) (Policy, error) {
	p, ok, err := r.store.GetPolicy(ctx, departmentID)
	if err != nil {
		return Policy{}, fmt.Errorf("load anti-cheat settings: %w", err)
	}
	if !ok {
		return DefaultPolicy(departmentID), nil
	}
	p.Configured = true
	return p, nil
}

var policyValidator = validator.New()

// Policy returns the effective settings of a department.
func (s *Service) Policy(ctx context.Context, p auth.Principal, departmentID string) (Policy, error) {
	if err := auth.Require(p, auth.CapViewPolicy); err != nil {
		return Policy{}, err
	}
	return s.policies.Resolve(ctx, departmentID)
}

// UpsertPolicy stores a department's settings. Existing sessions keep the
// flags they were created with.
func (s *Service) UpsertPolicy(ctx context.Context, p auth.Principal, in Policy) (Policy, error) {
	if err := auth.Require(p, auth.CapManagePolicy); err != nil {
		return Policy{}, err
	}
	if err := policyValidator.Struct(in); err != nil {
		return Policy{}, apperrors.Wrap(ErrInvalidPolicy, err)
	}
	in.UpdatedAt = s.now().UTC()
	saved, err := s.store.UpsertPolicy(ctx, in)
	if err != nil {
		return Policy{}, fmt.Errorf("save anti-cheat settings: %w", err)
	}
	saved.Configured = true
	s.audit(ctx, AuditEntry{
		UserID:     p.ID,
		Action:     fmt.Sprintf("updated anti-cheat settings for department %s", in.DepartmentID),
		EntityType: "anti_cheat_settings",
		EntityID:   in.DepartmentID,
	})
	return saved, nil
}
