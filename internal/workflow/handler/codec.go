package handler

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"iam-workflow/backend/internal/workflow/domain"
	"iam-workflow/backend/internal/workflow/service"
)

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func boolean(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

// encodeResult renders a StepResult. Optional fields are omitted when empty.
func encodeResult(res service.StepResult) (*structpb.Struct, error) {
	m := map[string]any{
		"session_token": res.SessionToken,
		"completed":     res.Completed,
	}
	if res.Code != domain.CodeOK {
		m["code"] = string(res.Code)
		m["category"] = string(res.Code.Category())
	}
	if res.NextStep != domain.StepUnknown {
		m["next_step"] = res.NextStep.String()
	}
	if res.Token != "" {
		m["token"] = res.Token
		m["token_expires_at"] = res.TokenExpiresAt.UTC().Format(time.RFC3339)
	}
	if res.RedirectURI != "" {
		m["redirect_uri"] = res.RedirectURI
	}
	if len(res.Tenants) > 0 {
		tenants := make([]any, 0, len(res.Tenants))
		for _, t := range res.Tenants {
			tenants = append(tenants, map[string]any{"id": t.ID, "name": t.Name})
		}
		m["tenants"] = tenants
	}
	if res.TotpSecret != "" {
		m["totp_secret"] = res.TotpSecret
		m["totp_uri"] = res.TotpURI
	}
	if len(res.WebAuthnOptions) > 0 {
		m["webauthn_options"] = string(res.WebAuthnOptions)
	}
	if res.FederationURL != "" {
		m["federation_url"] = res.FederationURL
	}
	return structpb.NewStruct(m)
}
