package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Sessions.Editor.ValidationDelay != 100*time.Millisecond {
		t.Errorf("validation delay = %v", cfg.Sessions.Editor.ValidationDelay)
	}
	if cfg.Sessions.Editor.Canvas.MaxZoom != 2 || cfg.Sessions.Editor.Canvas.MinZoom != 0.25 {
		t.Errorf("zoom bounds = %+v", cfg.Sessions.Editor.Canvas)
	}
	if cfg.Printing.Worker.ResultTopic != "print.results" {
		t.Errorf("result topic = %q", cfg.Printing.Worker.ResultTopic)
	}
	if cfg.Issuance.PrintTopic != "print.requests" {
		t.Errorf("print topic = %q", cfg.Issuance.PrintTopic)
	}
	if cfg.Outbox.DeadLetterTopic != "dead.letter" {
		t.Errorf("dead letter topic = %q", cfg.Outbox.DeadLetterTopic)
	}
	if len(cfg.API.Keys()) != 0 {
		t.Errorf("api keys should default to empty, got %v", cfg.API.Keys())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/rx")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092,rp-1:9092")
	t.Setenv("API_KEYS", "k1:portal,k2")
	t.Setenv("RXLAYOUT_SESSIONS_MAX_SESSIONS", "12")
	t.Setenv("RXLAYOUT_PRINTING_TIMEOUT", "45s")
	t.Setenv("RXLAYOUT_PRINTING_PDF", "false")

	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://u:p@db:5432/rx" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if got := strings.Join(cfg.Kafka.ProducerConfig().Brokers, ","); got != "rp-0:9092,rp-1:9092" {
		t.Errorf("producer brokers = %q", got)
	}
	if got := cfg.Kafka.ConsumerConfig().Brokers; len(got) != 2 {
		t.Errorf("consumer brokers = %v", got)
	}
	keys := cfg.API.Keys()
	if keys["k1"] != "portal" || keys["k2"] != "default" {
		t.Errorf("api keys = %v", keys)
	}
	if cfg.Sessions.MaxSessions != 12 {
		t.Errorf("max sessions = %d", cfg.Sessions.MaxSessions)
	}
	if cfg.Printing.Chrome.Timeout != 45*time.Second {
		t.Errorf("browser timeout = %v", cfg.Printing.Chrome.Timeout)
	}
	if cfg.Printing.PDF {
		t.Error("pdf export should be disabled")
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"port", "PORT", "0"},
		{"recovery level", "RXLAYOUT_VERIFICATION_RECOVERY_LEVEL", "ultra"},
		{"zoom", "RXLAYOUT_SESSIONS_CANVAS_MIN_ZOOM", "0"},
		{"sample rate", "RXLAYOUT_TRACING_SAMPLE_RATE", "1.5"},
		{"workers", "RXLAYOUT_WORKERS_WORKERS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := load(viper.New()); err == nil {
				t.Errorf("%s=%s accepted", tt.env, tt.val)
			}
		})
	}
}
