package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relief.json", `{
		"ledger": {"chain_config": "chains.yaml", "accounts": [{"name": "treasury", "private_key_env": "RELIEF_KEY"}]},
		"policy_file": "policy.yaml"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Driver != "memory" || cfg.Storage.Driver != "memory" || cfg.Analyzer.Driver != "static" {
		t.Fatalf("unexpected drivers: %+v", cfg)
	}
	if cfg.Analyzer.Retries != 1 {
		t.Fatalf("analyzer retries default should be 1, got %d", cfg.Analyzer.Retries)
	}
	if cfg.Treasurer.GasBufferPercent != 10 || cfg.Treasurer.ConfirmTimeoutSeconds != 300 {
		t.Fatalf("unexpected treasurer defaults: %+v", cfg.Treasurer)
	}
	if cfg.Server.DetectPerMinute != 10 || cfg.Server.FullTestPerMinute != 3 {
		t.Fatalf("unexpected rate limits: %+v", cfg.Server)
	}
	if cfg.Ledger.ChainConfig != filepath.Join(dir, "chains.yaml") || cfg.PolicyFile != filepath.Join(dir, "policy.yaml") {
		t.Fatalf("relative paths not resolved: %s %s", cfg.Ledger.ChainConfig, cfg.PolicyFile)
	}
}

func TestLoadRejectsInvalidDrivers(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bus":      `{"bus": {"driver": "kafka"}, "ledger": {"accounts": [{"name": "a", "private_key_env": "K"}]}}`,
		"rabbit":   `{"bus": {"driver": "rabbitmq"}, "ledger": {"accounts": [{"name": "a", "private_key_env": "K"}]}}`,
		"accounts": `{}`,
		"dup":      `{"ledger": {"accounts": [{"name": "a", "private_key_env": "K"}, {"name": "a", "private_key_env": "J"}]}}`,
		"lock":     `{"treasurer": {"lock_driver": "redis"}, "ledger": {"accounts": [{"name": "a", "private_key_env": "K"}]}}`,
		"flat":     `{"treasurer": {"max_attempts": 10, "base_delay_ms": 500, "max_delay_ms": 60000}, "ledger": {"accounts": [{"name": "a", "private_key_env": "K"}]}}`,
		"attempts": `{"treasurer": {"max_attempts": 40, "max_delay_ms": 999999999}, "ledger": {"accounts": [{"name": "a", "private_key_env": "K"}]}}`,
	}
	for name, body := range cases {
		path := writeFile(t, dir, name+".json", body)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestBackoffBoundaryIsAccepted(t *testing.T) {
	dir := t.TempDir()
	// 500ms×2^8 = 128s，恰好等于 max_delay。
	path := writeFile(t, dir, "relief.json", `{
		"treasurer": {"max_attempts": 10, "base_delay_ms": 500, "max_delay_ms": 128000},
		"ledger": {"accounts": [{"name": "a", "private_key_env": "K"}]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Treasurer.LongestRetryDelay(); got.Seconds() != 128 {
		t.Fatalf("longest retry delay = %s", got)
	}
}

func TestDefaultPolicyIsValid(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestPolicyValidateRejectsBadTables(t *testing.T) {
	p := DefaultPolicy()
	p.Funding.Tables[DefaultTableKey][0].BasisPoints = 3999
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "10000") {
		t.Fatalf("expected sum error, got %v", err)
	}

	p = DefaultPolicy()
	delete(p.Detection.Thresholds, "casualty")
	if p.Validate() == nil {
		t.Fatal("missing threshold must be rejected")
	}

	p = DefaultPolicy()
	p.Verification.ImpactCurves["fire"] = []CurvePoint{{Severity: 0, People: 10}, {Severity: 1, People: 5}}
	if p.Validate() == nil {
		t.Fatal("non-monotonic curve must be rejected")
	}
}

func TestPolicyLoaderOverridesAndRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", `
detection:
  thresholds:
    fire: 0.65
verification:
  acceptance_threshold: 70
`)
	l, err := NewPolicyLoader(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	p := l.Policy()
	if p.Detection.Thresholds["fire"] != 0.65 || p.Detection.Thresholds["flood"] != 0.50 {
		t.Fatalf("override not merged with defaults: %+v", p.Detection.Thresholds)
	}
	if p.Verification.AcceptanceThreshold != 70 {
		t.Fatalf("unexpected acceptance threshold %v", p.Verification.AcceptanceThreshold)
	}

	var notified int
	l.OnChange(func(*Policy) { notified++ })

	writeFile(t, dir, "policy.yaml", "detection:\n  thresholds:\n    fire: 1.5\n")
	if _, err := l.Reload(); err == nil {
		t.Fatal("invalid reload must fail")
	}
	if l.Policy().Detection.Thresholds["fire"] != 0.65 || notified != 0 {
		t.Fatal("previous policy must stay active after a rejected reload")
	}

	writeFile(t, dir, "policy.yaml", "detection:\n  thresholds:\n    fire: 0.55\n")
	if _, err := l.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if l.Policy().Detection.Thresholds["fire"] != 0.55 || notified != 1 {
		t.Fatal("valid reload must swap the policy and notify")
	}
}

func TestFundingPolicyLookups(t *testing.T) {
	f := DefaultPolicy().Funding
	if len(f.Table("casualty")) != 2 || len(f.Table("fire")) != 3 {
		t.Fatal("table lookup should fall back to default")
	}
	f.AccountRouting = nil
	if f.Account("fire") != "treasury" {
		t.Fatal("account lookup should fall back to default")
	}
}
