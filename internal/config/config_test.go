package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SearchBudget != 30*time.Second {
		t.Fatalf("expected 30s budget, got %s", cfg.SearchBudget)
	}
	if len(cfg.DispatchRadiiKm) != 3 || cfg.DispatchRadiiKm[2] != 10 {
		t.Fatalf("unexpected radii %v", cfg.DispatchRadiiKm)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DISPATCH_RADII_KM", "2, 4,8")
	t.Setenv("DISPATCH_SEARCH_BUDGET", "45s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SearchBudget != 45*time.Second {
		t.Fatalf("expected 45s, got %s", cfg.SearchBudget)
	}
	if len(cfg.DispatchRadiiKm) != 3 || cfg.DispatchRadiiKm[0] != 2 {
		t.Fatalf("unexpected radii %v", cfg.DispatchRadiiKm)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, radii := range []string{"3,3", "6,3", "0,4", "x"} {
		t.Setenv("DISPATCH_RADII_KM", radii)
		if _, err := LoadServerConfig(); err == nil {
			t.Fatalf("expected error for radii %q", radii)
		}
	}
	t.Setenv("DISPATCH_RADII_KM", "")
	t.Setenv("DISPATCH_SEARCH_BUDGET", "soon")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestLoadServerConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("DISPATCH_GRID_CELL_KM=2.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("DISPATCH_GRID_CELL_KM", "")
	os.Unsetenv("DISPATCH_GRID_CELL_KM")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GridCellKm != 2.5 {
		t.Fatalf("expected grid cell from env file, got %v", cfg.GridCellKm)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_GROUP", "mirror-test")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.KafkaGroup != "mirror-test" || cfg.KafkaPresenceTopic != "captain-presence" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
