package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cudliy/fulfillment/internal/platform/config"
	pfirestore "github.com/cudliy/fulfillment/internal/platform/firestore"
	"github.com/cudliy/fulfillment/internal/printprovider"
)

type stubProviderHealth struct {
	reachErr   error
	configured bool
}

func (s stubProviderHealth) Reachable(context.Context) error { return s.reachErr }
func (s stubProviderHealth) Configured() bool                 { return s.configured }

type stubSecretResolver struct {
	err error
}

func (s stubSecretResolver) Resolve(context.Context, string) (string, error) { return "", s.err }

type stubTopic struct{ err error }

func (s stubTopic) Ready(context.Context) error { return s.err }

func checkByName(t *testing.T, checks map[string]func(context.Context) error, name string) func(context.Context) error {
	t.Helper()
	check, ok := checks[name]
	if !ok {
		t.Fatalf("expected check %s to be registered", name)
	}
	return check
}

func TestDependencyChecks(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	checks := dependencyChecks(
		stubProviderHealth{configured: false},
		stubSecretResolver{err: status.Error(codes.NotFound, "missing")},
		pfirestore.NewProvider(config.FirestoreConfig{}),
		stubTopic{},
	)

	byName := make(map[string]func(context.Context) error, len(checks))
	for _, check := range checks {
		byName[check.Name] = check.Check
		if check.Name == "printProvider" && !check.Critical {
			t.Fatal("provider reachability must be critical")
		}
		if check.Name != "printProvider" && check.Critical {
			t.Fatalf("%s must not be critical", check.Name)
		}
	}
	if _, ok := byName["firestore"]; ok {
		t.Fatal("firestore check must be skipped without a project")
	}

	ctx := context.Background()
	if err := checkByName(t, byName, "printProvider")(ctx); err != nil {
		t.Fatalf("expected reachable provider, got %v", err)
	}
	if err := checkByName(t, byName, "providerApiKey")(ctx); !errors.Is(err, printprovider.ErrAPIKeyNotConfigured) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if err := checkByName(t, byName, "secretManager")(ctx); err != nil {
		t.Fatalf("missing health secret should count as ok, got %v", err)
	}
	if err := checkByName(t, byName, "orderEvents")(ctx); err != nil {
		t.Fatalf("expected topic ready, got %v", err)
	}
}

func TestDependencyChecksSecretFailure(t *testing.T) {
	checks := dependencyChecks(nil, stubSecretResolver{err: status.Error(codes.PermissionDenied, "denied")}, nil, nil)
	if len(checks) != 1 || checks[0].Name != "secretManager" {
		t.Fatalf("expected only the secret check, got %+v", checks)
	}
	if err := checks[0].Check(context.Background()); err == nil {
		t.Fatal("expected permission error to surface")
	}
}

func TestBuildInfoFromConfig(t *testing.T) {
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	info := buildInfoFromConfig(config.Config{}, started)
	if info.Version != "dev" || info.CommitSHA != "unknown" || info.Environment != "local" {
		t.Fatalf("unexpected defaults %+v", info)
	}

	info = buildInfoFromConfig(config.Config{
		Build:    config.BuildConfig{Version: "1.2.3", CommitSHA: "abc"},
		Security: config.SecurityConfig{Environment: "prod"},
	}, started)
	if info.Version != "1.2.3" || info.CommitSHA != "abc" || info.Environment != "prod" || !info.StartedAt.Equal(started) {
		t.Fatalf("unexpected build info %+v", info)
	}
}

func TestSecretVersionPins(t *testing.T) {
	pins := secretVersionPins("prod:sm://provider/api-key=5, provider/other=latest, broken, =3")
	if pins["prod:secret://provider/api-key"] != "5" {
		t.Fatalf("expected prefixed sm reference, got %v", pins)
	}
	if pins["secret://provider/other"] != "latest" {
		t.Fatalf("expected bare reference to gain scheme, got %v", pins)
	}
	if len(pins) != 2 {
		t.Fatalf("expected 2 pins, got %v", pins)
	}
}

func TestParseKeyValueListNormalisesKeys(t *testing.T) {
	got := parseKeyValueList("PROD=proj-a, Staging = proj-b ,dev=", func(s string) string { return s + "!" })
	if got["PROD!"] != "proj-a" || got["Staging!"] != "proj-b" {
		t.Fatalf("unexpected map %v", got)
	}
	if _, ok := got["dev!"]; ok {
		t.Fatal("entries without value must be skipped")
	}
}

func TestRequiredSecretNames(t *testing.T) {
	if got := requiredSecretNames(nil); len(got) != 0 {
		t.Fatalf("expected no required secrets by default, got %v", got)
	}
	got := requiredSecretNames(map[string]string{config.Key("PROVIDER_API_KEY_REQUIRED"): "TRUE"})
	if len(got) != 1 || got[0] != "Provider.APIKey" {
		t.Fatalf("expected provider key to be required, got %v", got)
	}
}
