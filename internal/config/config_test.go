package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  addr: ":9090"
  api_key: secret
logging:
  development: true
crawler:
  workers: 8
  grace_timeout_seconds: 10
  requeue_delay_ms: 250
fetch:
  timeout_seconds: 45
governor:
  max_concurrent: 3
  interval_ms: 800
governor_overrides:
  eastmoney:
    max_concurrent: 1
    interval_ms: 2000
retry:
  max_attempts: 5
identity:
  recency_window: 3
  identities:
    - user_agent: agent-a
    - user_agent: agent-b
      proxy_url: http://proxy:8080
store:
  backend: postgres
  dsn: postgres://localhost/crawler
queue:
  backend: redis
  addr: localhost:6379
archive:
  backend: local
  base_dir: /tmp/raw
publisher:
  backend: pubsub
  project_id: demo
  topic: crawl-runs
scheduler:
  cron: "0 2 * * *"
sources:
  eastmoney:
    enabled: true
    codes: ["000001", "600519"]
  nhc:
    enabled: true
    categories:
      - name: ylfwygl
        url: http://www.nhc.gov.cn/mohwsbwstjxxzx/s7967/list.shtml
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides to apply, got %+v", cfg.Server)
	}
	if cfg.Crawler.Workers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.Crawler.Workers)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging")
	}
	if cfg.Governor.MaxConcurrent != 3 || cfg.Governor.IntervalMs != 800 {
		t.Fatalf("expected governor overrides, got %+v", cfg.Governor)
	}
	override, ok := cfg.Overrides["eastmoney"]
	if !ok || override.MaxConcurrent != 1 || override.IntervalMs != 2000 {
		t.Fatalf("expected per-source governor override, got %+v", cfg.Overrides)
	}
	if len(cfg.Identity.Identities) != 2 || cfg.Identity.Identities[1].ProxyURL != "http://proxy:8080" {
		t.Fatalf("expected identities to load, got %+v", cfg.Identity)
	}
	if cfg.Store.Backend != "postgres" || cfg.Queue.Backend != "redis" {
		t.Fatalf("expected backend selections, got store=%q queue=%q", cfg.Store.Backend, cfg.Queue.Backend)
	}
	if len(cfg.Sources.EastMoney.Codes) != 2 || cfg.Sources.NHC.Categories[0].Name != "ylfwygl" {
		t.Fatalf("expected source configs to load, got %+v", cfg.Sources)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.RequeueDelay(); got != 250*time.Millisecond {
		t.Fatalf("expected requeue delay 250ms, got %v", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
identity:
  identities:
    - user_agent: agent-a
sources:
  eastmoney:
    enabled: true
    codes: ["000001"]
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Crawler.Workers != 4 {
		t.Fatalf("expected default workers, got %d", cfg.Crawler.Workers)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Breaker.Threshold != 5 {
		t.Fatalf("expected retry/breaker defaults, got %+v %+v", cfg.Retry, cfg.Breaker)
	}
	if cfg.Store.Backend != "memory" || cfg.Queue.Backend != "memory" {
		t.Fatalf("expected memory backends by default")
	}
	if cfg.Queue.Key != "crawler:tasks" {
		t.Fatalf("expected default queue key, got %q", cfg.Queue.Key)
	}
	if cfg.GraceTimeout() != 30*time.Second {
		t.Fatalf("expected default grace timeout, got %v", cfg.GraceTimeout())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no identities",
			yaml: `
sources:
  eastmoney:
    enabled: true
    codes: ["000001"]
`,
			want: "identity.identities",
		},
		{
			name: "no sources enabled",
			yaml: `
identity:
  identities:
    - user_agent: agent-a
`,
			want: "at least one source",
		},
		{
			name: "postgres without dsn",
			yaml: `
identity:
  identities:
    - user_agent: agent-a
store:
  backend: postgres
sources:
  eastmoney:
    enabled: true
    codes: ["000001"]
`,
			want: "store.dsn",
		},
		{
			name: "unknown queue backend",
			yaml: `
identity:
  identities:
    - user_agent: agent-a
queue:
  backend: kafka
sources:
  eastmoney:
    enabled: true
    codes: ["000001"]
`,
			want: "queue.backend",
		},
		{
			name: "eastmoney without codes",
			yaml: `
identity:
  identities:
    - user_agent: agent-a
sources:
  eastmoney:
    enabled: true
`,
			want: "sources.eastmoney.codes",
		},
		{
			name: "nhc details without nhc",
			yaml: `
identity:
  identities:
    - user_agent: agent-a
sources:
  eastmoney:
    enabled: true
    codes: ["000001"]
  nhc:
    details: true
`,
			want: "sources.nhc.details",
		},
		{
			name: "fund flow without eastmoney",
			yaml: `
identity:
  identities:
    - user_agent: agent-a
sources:
  eastmoney:
    fund_flow: true
  nhc:
    enabled: true
    categories:
      - name: ylfwygl
        url: http://www.nhc.gov.cn/mohwsbwstjxxzx/s7967/list.shtml
`,
			want: "sources.eastmoney.discover",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
