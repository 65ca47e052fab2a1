package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Environment != EnvironmentDevelopment {
		test.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.PollInterval != 10*time.Second || cfg.PollTimeout != 15*time.Minute {
		test.Fatalf("poll defaults not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 {
		test.Fatalf("expected default origin, got %v", cfg.AllowedOrigins)
	}
}

func TestValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "signing key") {
		test.Fatalf("expected signing key error, got %v", err)
	}
}

func TestValidateRejectsUnknownEnvironment(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret", Environment: "staging"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "environment") {
		test.Fatalf("expected environment error, got %v", err)
	}
}

func TestProductionRequiresProviderSecrets(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing dodo api key",
			cfg: Config{
				SessionSigningKey: "secret", Environment: EnvironmentProduction,
				DodoWebhookSecret: "whsec_x", VideoAPIKey: "vk",
			},
			want: "dodo api key",
		},
		{
			name: "missing webhook secret",
			cfg: Config{
				SessionSigningKey: "secret", Environment: EnvironmentProduction,
				DodoAPIKey: "sk", VideoAPIKey: "vk",
			},
			want: "webhook secret",
		},
		{
			name: "skip verification flag",
			cfg: Config{
				SessionSigningKey: "secret", Environment: EnvironmentProduction,
				DodoAPIKey: "sk", DodoWebhookSecret: "whsec_x", VideoAPIKey: "vk",
				SkipWebhookVerification: true,
			},
			want: "cannot be skipped",
		},
		{
			name: "missing video api key",
			cfg: Config{
				SessionSigningKey: "secret", Environment: EnvironmentProduction,
				DodoAPIKey: "sk", DodoWebhookSecret: "whsec_x",
			},
			want: "video api key",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := testCase.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				test.Fatalf("expected error containing %q, got %v", testCase.want, err)
			}
		})
	}
}

func TestProductionAllowsMockVideoBackendWithoutKey(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey: "secret", Environment: EnvironmentProduction,
		DodoAPIKey: "sk", DodoWebhookSecret: "whsec_x", VideoAPIUseMock: true,
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
}

func TestDevelopmentAllowsSkippingVerification(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret", SkipWebhookVerification: true}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , ,https://b.example ")
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", origins)
	}
	if got := ParseAllowedOrigins("  "); len(got) != 0 {
		test.Fatalf("expected empty slice, got %v", got)
	}
}
