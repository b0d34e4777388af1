package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatal("expected an error without auth.signing_secret")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.CookieName != defaultCookieName {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LotSize != 500 || cfg.RetryCount != 10 || cfg.RetryInterval != 500*time.Millisecond {
		t.Fatalf("unexpected catch-up defaults %+v", cfg)
	}
	if len(cfg.Schema.Tables) == 0 {
		t.Fatal("the built-in schema should be used")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DIFFSYNC_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("DIFFSYNC_CATCHUP_LOT_SIZE", "25")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.LotSize != 25 {
		t.Fatalf("environment not honoured: %+v", cfg)
	}
}

func TestLoadRejectsHeartbeatTimeoutBelowInterval(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret")
	v.Set("heartbeat.interval", "30s")
	v.Set("heartbeat.timeout", "10s")

	if _, err := Load(v); err == nil {
		t.Fatal("expected heartbeat validation error")
	}
}

func TestLoadReadsSchemaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diffsync.yaml")
	content := `
auth:
  signing_secret: secret
schema:
  areas: [Inventory]
  tables:
    - name: Warehouse
      columns:
        - name: Name
          type: string
          required: true
          max_length: 40
      visible:
        - profiles: [User, Supervisor]
      allow:
        - profiles: [Supervisor]
          actions: [Create, Update, Delete]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Schema.Areas) != 1 || cfg.Schema.Areas[0] != "Inventory" {
		t.Fatalf("unexpected areas %v", cfg.Schema.Areas)
	}
	if len(cfg.Schema.Tables) != 1 || cfg.Schema.Tables[0].Name != "Warehouse" {
		t.Fatalf("unexpected tables %+v", cfg.Schema.Tables)
	}
	if column := cfg.Schema.Tables[0].Columns[0]; !column.Required || column.MaxLength != 40 {
		t.Fatalf("column rules not decoded: %+v", column)
	}
}
