package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"survey-bot/internal/models"
	"survey-bot/pkg/database"
)

type Config struct {
	Database database.Config

	AdminIDs   map[int64]bool
	TeacherIDs map[int64]bool
	StudentIDs map[int64]bool
	GroupNames []string

	RedisAddr     string
	FSMStorage    string
	FSMTTL        time.Duration
	StatsCacheTTL time.Duration

	JWTSecret string
	JWTTTL    time.Duration
	BotSecret string

	HTTPAddr    string
	CORSOrigins []string
	LogLevel    string
	LogFile     string

	RateLimitPerSec float64
	RateLimitBurst  int
}

// Load reads the process environment. A .env file, if any, must already be
// loaded by the caller.
func Load() (*Config, error) {
	cfg := &Config{
		Database: database.Config{
			Driver:     getenv("DB_DRIVER", "postgres"),
			Host:       getenv("DB_HOST", "localhost"),
			Port:       getenv("DB_PORT", "5432"),
			User:       os.Getenv("DB_USER"),
			Password:   os.Getenv("DB_PASSWORD"),
			DBName:     getenv("DB_NAME", "survey"),
			SQLitePath: os.Getenv("SQLITE_PATH"),
			LogSQL:     os.Getenv("DB_LOG_SQL") == "true",
		},
		GroupNames:  splitList(os.Getenv("GROUP_NAMES")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		FSMStorage:  getenv("FSM_STORAGE", "db"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		BotSecret:   os.Getenv("BOT_SECRET"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		CORSOrigins: splitList(getenv("CORS_ORIGINS", "http://localhost:3000")),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFile:     os.Getenv("LOG_FILE"),
	}

	var err error
	if cfg.AdminIDs, err = parseIDs("ADMIN_IDS"); err != nil {
		return nil, err
	}
	if cfg.TeacherIDs, err = parseIDs("TEACHER_IDS"); err != nil {
		return nil, err
	}
	if cfg.StudentIDs, err = parseIDs("STUDENT_IDS"); err != nil {
		return nil, err
	}
	if cfg.FSMTTL, err = parseDuration("FSM_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.StatsCacheTTL, err = parseDuration("STATS_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JWTTTL, err = parseDuration("JWT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	cfg.RateLimitPerSec = 5
	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		if cfg.RateLimitPerSec, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_PER_SEC: %w", err)
		}
	}
	cfg.RateLimitBurst = 10
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if cfg.RateLimitBurst, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
	}

	switch cfg.FSMStorage {
	case "db", "redis", "memory":
	default:
		return nil, fmt.Errorf("FSM_STORAGE: unknown storage %q", cfg.FSMStorage)
	}
	if cfg.FSMStorage == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("FSM_STORAGE=redis requires REDIS_ADDR")
	}
	return cfg, nil
}

// RoleFor resolves the static allow-list. Admin wins over teacher, teacher
// over student.
func (c *Config) RoleFor(externalID int64) models.Role {
	switch {
	case c.AdminIDs[externalID]:
		return models.RoleAdmin
	case c.TeacherIDs[externalID]:
		return models.RoleTeacher
	case c.StudentIDs[externalID]:
		return models.RoleStudent
	}
	return models.RoleUnknown
}

// KnownIDs lists every allow-listed external id with its role.
func (c *Config) KnownIDs() map[int64]models.Role {
	ids := make(map[int64]models.Role)
	for _, set := range []map[int64]bool{c.StudentIDs, c.TeacherIDs, c.AdminIDs} {
		for id := range set {
			ids[id] = c.RoleFor(id)
		}
	}
	return ids
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(key string) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	for _, part := range splitList(os.Getenv(key)) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad id %q: %w", key, part, err)
		}
		ids[id] = true
	}
	return ids, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
