package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func validTestConfig() Config {
	cfg := Default()
	cfg.Browser.Engine = "fake"
	cfg.Results.Disabled = true
	return *cfg
}

func TestValidate_DefaultsPass(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid default config, got error: %v", err)
	}
}

func TestValidate_RequiresServiceSecretsWhenEnabled(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Browser.Engine = "selenium"
	cfg.Artifacts.UseS3 = true
	cfg.Notify.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when services are enabled without settings")
	}
	msg := err.Error()
	for _, expected := range []string{
		"WEBPROBE_REMOTE_URL",
		"AWS_ENDPOINT_URL_S3",
		"BUCKET_NAME",
		"AWS_ACCESS_KEY_ID",
		"WEBPROBE_NOTIFY_TO",
		"RESEND_API_KEY",
	} {
		if !strings.Contains(msg, expected) {
			t.Fatalf("expected validation error to mention %q, got: %v", expected, err)
		}
	}
}

func TestValidate_RejectsUnknownEngine(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Browser.Engine = "netscape"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "netscape") {
		t.Fatalf("expected unknown engine error, got %v", err)
	}
}

func testValidate_RejectsBadResultsKeyLength(t *rapid.T) {
	cfg := validTestConfig()
	cfg.Results.Disabled = false
	n := rapid.IntRange(1, 128).Filter(func(n int) bool { return n != 64 }).Draw(t, "key_len")
	cfg.Results.Key = strings.Repeat("a", n)

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for bad key length")
	}
	if !strings.Contains(err.Error(), "WEBPROBE_RESULTS_KEY") {
		t.Fatalf("expected key-length error, got: %v", err)
	}
}

func TestValidate_RejectsBadResultsKeyLength(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_RejectsBadResultsKeyLength)
}

func testValidate_TimingInvariants(t *rapid.T) {
	cfg := validTestConfig()
	cfg.Browser.Timeout = time.Duration(rapid.IntRange(1, 10_000).Draw(t, "timeout_ms")) * time.Millisecond
	cfg.Browser.PollInterval = time.Duration(rapid.IntRange(1, 10_000).Draw(t, "poll_ms")) * time.Millisecond

	err := cfg.Validate()
	if cfg.Browser.PollInterval > cfg.Browser.Timeout {
		if err == nil {
			t.Fatalf("expected error for poll %s > timeout %s", cfg.Browser.PollInterval, cfg.Browser.Timeout)
		}
		return
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_TimingInvariants(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_TimingInvariants)
}

func TestLoad_LayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webprobe.yaml")
	yamlBody := `
log_level: debug
browser:
  engine: rod
  base_url: http://from-file.test
  timeout: 7s
run:
  max_attempts: 3
notify:
  to: [qa@example.com]
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WEBPROBE_BASE_URL", "http://from-env.test")
	t.Setenv("WEBPROBE_ENGINE", "")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Browser.Engine != "rod" {
		t.Fatalf("engine from file mismatch: %q", cfg.Browser.Engine)
	}
	if cfg.Browser.BaseURL != "http://from-env.test" {
		t.Fatalf("env should override file: %q", cfg.Browser.BaseURL)
	}
	if cfg.Browser.Timeout != 7*time.Second {
		t.Fatalf("timeout mismatch: %s", cfg.Browser.Timeout)
	}
	if cfg.Run.MaxAttempts != 3 || cfg.Run.Parallel != 1 {
		t.Fatalf("run config mismatch: %+v", cfg.Run)
	}
	if cfg.Browser.PollInterval != defaultPollInterval {
		t.Fatalf("unset fields keep defaults, got %s", cfg.Browser.PollInterval)
	}
	if len(cfg.Notify.To) != 1 || cfg.Notify.To[0] != "qa@example.com" {
		t.Fatalf("notify.to mismatch: %v", cfg.Notify.To)
	}
}

func TestLoad_RejectsUnknownYAMLFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("browser:\n  enigne: rod\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoad_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("WEBPROBE_PARALLEL=4\nWEBPROBE_MAX_ATTEMPTS=9\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("WEBPROBE_MAX_ATTEMPTS", "2")
	t.Setenv("WEBPROBE_PARALLEL", "")
	os.Unsetenv("WEBPROBE_PARALLEL")
	t.Cleanup(func() { os.Unsetenv("WEBPROBE_PARALLEL") })

	cfg, err := Load("", envPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.MaxAttempts != 2 {
		t.Fatalf("process env must win over .env, got %d", cfg.Run.MaxAttempts)
	}
	if cfg.Run.Parallel != 4 {
		t.Fatalf(".env should fill unset vars, got %d", cfg.Run.Parallel)
	}
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}
}

func TestHelperParsers_DefaultOnBadInput(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "not-an-int")
	t.Setenv("CFG_TEST_FLOAT", "not-a-float")
	t.Setenv("CFG_TEST_DUR", "not-a-duration")
	t.Setenv("CFG_TEST_BOOL", "maybe")
	if got := parseIntOrDefault("CFG_TEST_INT", 7); got != 7 {
		t.Fatalf("parseIntOrDefault fallback mismatch: got=%d want=7", got)
	}
	if got := parseFloat64OrDefault("CFG_TEST_FLOAT", 3.5); got != 3.5 {
		t.Fatalf("parseFloat64OrDefault fallback mismatch: got=%v want=3.5", got)
	}
	if got := parseDurationOrDefault("CFG_TEST_DUR", 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("parseDurationOrDefault fallback mismatch: got=%v want=%v", got, 2*time.Minute)
	}
	if got := parseBoolOrDefault("CFG_TEST_BOOL", true); !got {
		t.Fatalf("parseBoolOrDefault fallback mismatch: got=%v want=true", got)
	}
}

func TestGetEnvOrDefault_TrimsWhitespace(t *testing.T) {
	key := "CFG_TEST_STR_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.Setenv(key, "   value   "); err != nil {
		t.Fatalf("Setenv failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if got := getEnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("getEnvOrDefault trim mismatch: got=%q want=%q", got, "value")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a@x.test, ,b@x.test ")
	if len(got) != 2 || got[0] != "a@x.test" || got[1] != "b@x.test" {
		t.Fatalf("splitList mismatch: %v", got)
	}
}
