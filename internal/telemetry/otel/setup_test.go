package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, endpoint, "test-service", false)
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
			t.Fatalf("NewProviders(%q): nil provider in %+v", endpoint, providers)
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("shutdown should be no-op for empty endpoint, got error: %v", err)
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		endpoint     string
		override     bool
		wantTarget   string
		wantInsecure bool
		wantErr      bool
	}{
		{"bare host", "localhost:4317", false, "localhost:4317", true, false},
		{"http", "http://collector:4317", false, "collector:4317", true, false},
		{"https", "https://collector:4317", false, "collector:4317", false, false},
		{"https with override", "https://collector:4317", true, "collector:4317", true, false},
		{"path dropped", "http://collector:4317/v1/traces", false, "collector:4317", true, false},
		{"malformed", "http://[invalid", false, "", false, true},
		{"missing host", "http://", false, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, insecure, err := parseEndpoint(tt.endpoint, tt.override)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if target != tt.wantTarget || insecure != tt.wantInsecure {
				t.Errorf("parseEndpoint = (%q, %v), want (%q, %v)", target, insecure, tt.wantTarget, tt.wantInsecure)
			}
		})
	}
}

func TestSetGlobal_WithProviders(t *testing.T) {
	providers, err := NewProviders(context.Background(), "", "test-service", false)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	oldTracerProvider := otel.GetTracerProvider()
	providers.SetGlobal()
	if otel.GetTracerProvider() == oldTracerProvider {
		t.Error("TracerProvider should be updated")
	}
}
