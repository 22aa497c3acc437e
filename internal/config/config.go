package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                 string
	AllowedOrigin        string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	AuthSecret           string
	ReturnPercentages    []float64
	ArchiveRetentionDays int
	NotifyMaxAttempts    int
	NotifyBackoffSeconds []int
	SweepIntervalMinutes int
	SMTPHost             string
	SMTPPort             int
	SMTPUsername         string
	SMTPPassword         string
	SMTPFrom             string
	AlertRecipients      []string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	retention, err := strconv.Atoi(getEnv("ARCHIVE_RETENTION_DAYS", "30"))
	if err != nil || retention < 1 {
		retention = 30
	}
	attempts, err := strconv.Atoi(getEnv("NOTIFY_MAX_ATTEMPTS", "3"))
	if err != nil || attempts < 1 {
		attempts = 3
	}
	// 0 is a valid value here: it disables the sweeper entirely.
	sweep, err := strconv.Atoi(getEnv("SWEEP_INTERVAL_MINUTES", "5"))
	if err != nil || sweep < 0 {
		sweep = 5
	}
	smtpPort, err := strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil || smtpPort < 1 {
		smtpPort = 587
	}

	cfg := Config{
		Port:                 getEnv("PORT", "8080"),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		AuthSecret:           strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		ReturnPercentages:    parseFloats(getEnv("RETURN_PERCENTAGES", "20,100")),
		ArchiveRetentionDays: retention,
		NotifyMaxAttempts:    attempts,
		NotifyBackoffSeconds: parseInts(getEnv("NOTIFY_BACKOFF_SECONDS", "1,2")),
		SweepIntervalMinutes: sweep,
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPPort:             smtpPort,
		SMTPUsername:         os.Getenv("SMTP_USERNAME"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:             getEnv("SMTP_FROM", "noreply@segarstok.local"),
		AlertRecipients:      parseList(os.Getenv("ALERT_RECIPIENTS")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFloats(raw string) []float64 {
	out := make([]float64, 0, 4)
	for _, part := range parseList(raw) {
		value, err := strconv.ParseFloat(part, 64)
		if err != nil || value <= 0 || value > 100 {
			continue
		}
		out = append(out, value)
	}
	return out
}

// maxBackoffSeconds caps a single retry pause so a misconfigured backoff
// cannot outlive the dispatch context.
const maxBackoffSeconds = 10

func parseInts(raw string) []int {
	out := make([]int, 0, 4)
	for _, part := range parseList(raw) {
		value, err := strconv.Atoi(part)
		if err != nil || value < 0 {
			continue
		}
		if value > maxBackoffSeconds {
			value = maxBackoffSeconds
		}
		out = append(out, value)
	}
	return out
}
