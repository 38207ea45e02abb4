package config

import (
	"testing"
	"time"

	"survey-bot/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ADMIN_IDS", "TEACHER_IDS", "STUDENT_IDS", "FSM_STORAGE", "FSM_TTL", "STATS_CACHE_TTL", "JWT_TTL", "RATE_LIMIT_PER_SEC", "RATE_LIMIT_BURST", "DB_DRIVER", "HTTP_ADDR"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FSMStorage != "db" {
		t.Fatalf("expected db fsm storage, got %q", cfg.FSMStorage)
	}
	if cfg.StatsCacheTTL != 10*time.Minute || cfg.JWTTTL != 24*time.Hour {
		t.Fatalf("unexpected ttls: %v %v", cfg.StatsCacheTTL, cfg.JWTTTL)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Database.Driver != "postgres" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestRoleFor(t *testing.T) {
	t.Setenv("ADMIN_IDS", "1, 2")
	t.Setenv("TEACHER_IDS", "2,3")
	t.Setenv("STUDENT_IDS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		id   int64
		want models.Role
	}{
		{1, models.RoleAdmin},
		{2, models.RoleAdmin},
		{3, models.RoleTeacher},
		{4, models.RoleStudent},
		{5, models.RoleUnknown},
	}
	for _, tt := range tests {
		if got := cfg.RoleFor(tt.id); got != tt.want {
			t.Fatalf("RoleFor(%d) = %s, want %s", tt.id, got, tt.want)
		}
	}
	if got := len(cfg.KnownIDs()); got != 4 {
		t.Fatalf("expected 4 known ids, got %d", got)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ADMIN_IDS", "1,abc"},
		{"FSM_TTL", "soon"},
		{"FSM_STORAGE", "files"},
		{"RATE_LIMIT_BURST", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestRedisStorageRequiresAddr(t *testing.T) {
	t.Setenv("FSM_STORAGE", "redis")
	t.Setenv("REDIS_ADDR", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without REDIS_ADDR")
	}
}
