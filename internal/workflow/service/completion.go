package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iam-workflow/backend/internal/authstate"
	authdomain "iam-workflow/backend/internal/authstate/domain"
	"iam-workflow/backend/internal/securityevent"
	"iam-workflow/backend/internal/telemetry"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

// ErrUserMissing is returned when a session references a user that no longer exists.
var ErrUserMissing = errors.New("workflow: session user does not exist")

// CompletionHandler finalizes a session whose terminal step has been reached.
type CompletionHandler struct {
	steps               StepStore
	users               IdentityStore
	auth                AuthStore
	tokens              TokenIssuer
	events              securityevent.Publisher
	metrics             *telemetry.WorkflowMetrics
	portalTokenTTL      time.Duration
	portalURI           string
	deviceRegisteredURI string
	logger              *zap.Logger
	now                 func() time.Time
}

// CompletionConfig holds the fixed outputs of finalization.
type CompletionConfig struct {
	PortalTokenTTL      time.Duration
	PortalURI           string
	DeviceRegisteredURI string
}

// NewCompletionHandler returns a handler. events and metrics may be nil.
func NewCompletionHandler(steps StepStore, users IdentityStore, auth AuthStore, tokens TokenIssuer, events securityevent.Publisher, metrics *telemetry.WorkflowMetrics, cfg CompletionConfig, logger *zap.Logger) *CompletionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionHandler{
		steps:               steps,
		users:               users,
		auth:                auth,
		tokens:              tokens,
		events:              events,
		metrics:             metrics,
		portalTokenTTL:      cfg.PortalTokenTTL,
		portalURI:           cfg.PortalURI,
		deviceRegisteredURI: cfg.DeviceRegisteredURI,
		logger:              logger,
		now:                 time.Now,
	}
}

// Finalize unlocks the user, approves a device code, issues the token or redirect of the
// terminal step, publishes the pseudo-step's event and deletes the session. Collaborator
// failures return an error and leave the rows in place.
func (h *CompletionHandler) Finalize(ctx context.Context, steps []domain.Step) (StepResult, error) {
	terminal := -1
	for i, s := range steps {
		if s.Kind.IsTerminal() {
			terminal = i
			break
		}
	}
	if terminal < 0 {
		return StepResult{}, fmt.Errorf("%w: no terminal step", domain.ErrInvalidSequence)
	}
	origin := domain.OriginOf(steps[terminal])
	kind := steps[terminal].Kind
	if idx, code := domain.Locate(steps, kind, h.now()); code != domain.CodeOK || idx != terminal {
		return failed(origin.SessionToken, code), nil
	}

	user, err := h.users.GetUserBy(ctx, userdomain.LookupByID, origin.UserID)
	if err != nil {
		return StepResult{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return StepResult{}, ErrUserMissing
	}
	if user.Locked {
		unlocked := *user
		unlocked.Locked = false
		unlocked.UpdatedAt = h.now().UTC()
		if err := h.users.UpdateUser(ctx, &unlocked); err != nil {
			return StepResult{}, fmt.Errorf("unlock user: %w", err)
		}
		if err := h.users.ClearFailedAttempts(ctx, user.ID); err != nil {
			return StepResult{}, fmt.Errorf("clear failed attempts: %w", err)
		}
		h.logger.Info("user unlocked on workflow completion", zap.String("user_id", user.ID))
		user = &unlocked
	}

	if origin.DeviceCodeID != "" {
		if code, err := h.approveDevice(ctx, origin.DeviceCodeID, user.ID); err != nil || code != domain.CodeOK {
			return failed(origin.SessionToken, code), err
		}
	}

	res := StepResult{SessionToken: origin.SessionToken, Completed: true}
	switch kind {
	case domain.StepRedirectBackToApplication:
		uri, err := h.tokens.GenerateAuthorizationCode(ctx, user.ID, origin.PreAuthToken)
		if errors.Is(err, authstate.ErrPreAuthUnusable) {
			return failed(origin.SessionToken, domain.CodeInvalidPreAuth), nil
		}
		if err != nil {
			return StepResult{}, fmt.Errorf("authorization code: %w", err)
		}
		res.RedirectURI = uri
	case domain.StepRedirectToIamPortal:
		if origin.DeviceCodeID != "" {
			res.RedirectURI = h.deviceRegisteredURI
			break
		}
		token, exp, err := h.tokens.SignPortalToken(ctx, user, origin.TenantID, h.portalTokenTTL)
		if err != nil {
			return StepResult{}, fmt.Errorf("portal token: %w", err)
		}
		res.Token, res.TokenExpiresAt = token, exp
		res.RedirectURI = h.portalURI
		if origin.ReturnToURI != "" {
			res.RedirectURI = origin.ReturnToURI
		}
	}

	if i := domain.EventStep(steps); i >= 0 && steps[i].Event != domain.EventNone {
		securityevent.PublishAsync(h.events, securityevent.Event{
			Type:          steps[i].Event.String(),
			UserID:        user.ID,
			TenantID:      origin.TenantID,
			CorrelationID: origin.SessionToken,
			OccurredAt:    h.now().UTC(),
		}, h.logger)
	}

	if err := h.steps.DeleteSteps(ctx, origin.SessionToken); err != nil {
		return StepResult{}, fmt.Errorf("delete steps: %w", err)
	}
	h.metrics.RecordCompletion(ctx, kind.String())
	return res, nil
}

func (h *CompletionHandler) approveDevice(ctx context.Context, id, userID string) (domain.ErrorCode, error) {
	dc, err := h.auth.GetDeviceCode(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get device code: %w", err)
	}
	if dc == nil || !dc.Usable(h.now()) {
		return domain.CodeInvalidPreAuth, nil
	}
	approved := *dc
	approved.Status = authdomain.DeviceCodeApproved
	approved.UserID = userID
	if err := h.auth.UpdateDeviceCode(ctx, &approved); err != nil {
		return "", fmt.Errorf("approve device code: %w", err)
	}
	return domain.CodeOK, nil
}
