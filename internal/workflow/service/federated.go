package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	federationdomain "iam-workflow/backend/internal/federation/domain"
	identitydomain "iam-workflow/backend/internal/identity/domain"
	membershipdomain "iam-workflow/backend/internal/membership/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

// AuthWithFederatedOidc returns the provider authorization URL the caller must visit. The
// session token is the OAuth2 state.
func (s *WorkflowService) AuthWithFederatedOidc(ctx context.Context, token string) (StepResult, error) {
	return s.run(ctx, token, domain.StepAuthWithFederatedOidc, func(ctx context.Context, ss *session) (StepResult, error) {
		p, code, err := s.sessionProvider(ctx, ss.step())
		if err != nil || code != domain.CodeOK {
			return failed("", code), err
		}
		callCtx, cancel := s.outbound(ctx)
		defer cancel()
		url, err := s.federation.AuthCodeURL(callCtx, p, token)
		if err != nil {
			s.logger.Warn("workflow: provider discovery failed", zap.String("provider_id", p.ID), zap.Error(err))
			return failed("", domain.CodeFederationFailed), nil
		}
		return StepResult{NextStep: domain.StepAuthWithFederatedOidc, FederationURL: url}, nil
	})
}

// CompleteFederatedLogin redeems the provider's authorization code, links or provisions the
// local user, and finalizes the session.
func (s *WorkflowService) CompleteFederatedLogin(ctx context.Context, token, authCode string) (StepResult, error) {
	return s.run(ctx, token, domain.StepAuthWithFederatedOidc, func(ctx context.Context, ss *session) (StepResult, error) {
		st := ss.step()
		p, code, err := s.sessionProvider(ctx, st)
		if err != nil || code != domain.CodeOK {
			return failed("", code), err
		}
		if authCode == "" {
			return failed("", domain.CodeInvalidRequest), nil
		}
		callCtx, cancel := s.outbound(ctx)
		claims, err := s.federation.Exchange(callCtx, p, authCode)
		cancel()
		if err != nil {
			s.logger.Warn("workflow: federated code exchange failed", zap.String("provider_id", p.ID), zap.Error(err))
			return failed("", domain.CodeFederationFailed), nil
		}
		email := userdomain.NormalizeEmail(claims.Email)
		if !strings.EqualFold(userdomain.EmailDomain(email), p.Domain) {
			return failed("", domain.CodeFederationFailed), nil
		}

		user, code, err := s.provision(ctx, p, claims, email)
		if err != nil || code != domain.CodeOK {
			return failed("", code), err
		}
		o := domain.OriginOf(st)
		o.UserID = user.ID
		o.TenantID = p.TenantID
		terminal := domain.StepRedirectToIamPortal
		if o.PreAuthToken != "" {
			terminal = domain.StepRedirectBackToApplication
		}
		steps, err := s.extend(ctx, ss, o, []domain.StepKind{terminal}, s.builder.event(o.DeviceCodeID != ""))
		if err != nil {
			return StepResult{}, err
		}
		return s.proceed(ctx, steps)
	})
}

func (s *WorkflowService) sessionProvider(ctx context.Context, st domain.Step) (*federationdomain.Provider, domain.ErrorCode, error) {
	if s.federation == nil {
		return nil, domain.CodeOK, ErrFederationDisabled
	}
	p, err := s.providers.GetProvider(ctx, string(st.Challenge))
	if err != nil {
		return nil, domain.CodeOK, fmt.Errorf("get provider: %w", err)
	}
	if p == nil {
		return nil, domain.CodeFederationFailed, nil
	}
	return p, domain.CodeOK, nil
}

// provision resolves the local user for a verified federated identity: by link, then by email,
// else a new user in the provider's tenant. The link and a membership in the provider's tenant
// are created when missing.
func (s *WorkflowService) provision(ctx context.Context, p *federationdomain.Provider, claims *federationdomain.Claims, email string) (*userdomain.User, domain.ErrorCode, error) {
	var link *identitydomain.Identity
	if s.links != nil {
		var err error
		if link, err = s.links.GetByProviderSubject(ctx, p.ID, claims.Subject); err != nil {
			return nil, domain.CodeOK, fmt.Errorf("get identity link: %w", err)
		}
	}
	var user *userdomain.User
	var err error
	if link != nil {
		if user, err = s.users.GetUserBy(ctx, userdomain.LookupByID, link.UserID); err != nil {
			return nil, domain.CodeOK, fmt.Errorf("get linked user: %w", err)
		}
	}
	if user == nil {
		if user, err = s.users.GetUserBy(ctx, userdomain.LookupByEmail, email); err != nil {
			return nil, domain.CodeOK, fmt.Errorf("get user: %w", err)
		}
	}
	now := s.now().UTC()
	switch {
	case user == nil:
		user = &userdomain.User{ID: uuid.New().String(), TenantID: p.TenantID, Email: email, Name: claims.Name, CreatedAt: now, UpdatedAt: now}
		if err := s.users.CreateUser(ctx, user); err != nil {
			return nil, domain.CodeOK, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("federated user provisioned", zap.String("user_id", user.ID), zap.String("provider_id", p.ID))
	case user.IsPlaceholder():
		user = activate(user, now)
		user.TenantID = p.TenantID
		user.Name = claims.Name
		if err := s.users.UpdateUser(ctx, user); err != nil {
			return nil, domain.CodeOK, fmt.Errorf("activate user: %w", err)
		}
	}
	if code := accountStateCode(user); code != domain.CodeOK {
		return nil, code, nil
	}

	if s.links != nil && (link == nil || link.UserID != user.ID) {
		if err := s.links.Create(ctx, &identitydomain.Identity{
			ID:              uuid.New().String(),
			UserID:          user.ID,
			ProviderID:      p.ID,
			ProviderSubject: claims.Subject,
			CreatedAt:       now,
		}); err != nil {
			return nil, domain.CodeOK, fmt.Errorf("create identity link: %w", err)
		}
	}
	if s.memberships != nil && user.TenantID != p.TenantID {
		m, err := s.memberships.GetByUserAndTenant(ctx, user.ID, p.TenantID)
		if err != nil {
			return nil, domain.CodeOK, fmt.Errorf("get membership: %w", err)
		}
		if m == nil {
			if err := s.memberships.Create(ctx, &membershipdomain.Membership{
				ID:        uuid.New().String(),
				UserID:    user.ID,
				TenantID:  p.TenantID,
				Source:    membershipdomain.SourceFederated,
				CreatedAt: now,
			}); err != nil {
				return nil, domain.CodeOK, fmt.Errorf("create membership: %w", err)
			}
		}
	}
	return user, domain.CodeOK, nil
}
