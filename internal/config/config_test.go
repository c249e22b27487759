package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != ":8080" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, ":8080")
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Type != "memory" {
		t.Errorf("Database.Type = %q, want memory", cfg.Database.Type)
	}
	if cfg.Presence.Type != "memory" {
		t.Errorf("Presence.Type = %q, want memory", cfg.Presence.Type)
	}
	if string(cfg.JWT.Secret) != "test-secret" {
		t.Errorf("JWT.Secret = %q, want test-secret", cfg.JWT.Secret)
	}
	if cfg.Calls.RingTimeout != 45*time.Second {
		t.Errorf("Calls.RingTimeout = %v, want 45s", cfg.Calls.RingTimeout)
	}
	if cfg.Notes.MinPhraseLength != 4 {
		t.Errorf("Notes.MinPhraseLength = %d, want 4", cfg.Notes.MinPhraseLength)
	}
	if cfg.Relay.MaxPayloadBytes != 64*1024 {
		t.Errorf("Relay.MaxPayloadBytes = %d, want %d", cfg.Relay.MaxPayloadBytes, 64*1024)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PORT", ":9999")
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")
	t.Setenv("PRESENCE_TYPE", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CALL_RING_TIMEOUT", "10s")
	t.Setenv("SEND_BUFFER", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != ":9999" {
		t.Errorf("Server.Port = %q, want :9999", cfg.Server.Port)
	}
	if cfg.Database.Type != "postgres" || cfg.Database.URL != "postgres://u:p@db:5432/x" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Presence.Type != "redis" || cfg.Presence.RedisDB != 3 {
		t.Errorf("Presence = %+v", cfg.Presence)
	}
	if cfg.Calls.RingTimeout != 10*time.Second {
		t.Errorf("Calls.RingTimeout = %v, want 10s", cfg.Calls.RingTimeout)
	}
	if cfg.Server.SendBuffer != 8 {
		t.Errorf("Server.SendBuffer = %d, want 8", cfg.Server.SendBuffer)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing jwt secret",
			env:     map[string]string{"JWT_SECRET": ""},
			wantErr: "JWT_SECRET",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"JWT_SECRET": "s", "SWEEP_INTERVAL": "often"},
			wantErr: "SWEEP_INTERVAL",
		},
		{
			name:    "bad integer",
			env:     map[string]string{"JWT_SECRET": "s", "BCRYPT_COST": "ten"},
			wantErr: "BCRYPT_COST",
		},
		{
			name:    "unknown database type",
			env:     map[string]string{"JWT_SECRET": "s", "DATABASE_TYPE": "mysql"},
			wantErr: "unknown database type",
		},
		{
			name:    "unknown presence type",
			env:     map[string]string{"JWT_SECRET": "s", "PRESENCE_TYPE": "etcd"},
			wantErr: "unknown presence type",
		},
		{
			name:    "scrypt work factor out of range",
			env:     map[string]string{"JWT_SECRET": "s", "NOTES_SCRYPT_WORK_FACTOR": "40"},
			wantErr: "NOTES_SCRYPT_WORK_FACTOR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
