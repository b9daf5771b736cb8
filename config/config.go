package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerURL            string
	RequestTimeout       time.Duration
	MessagePollInterval  time.Duration
	PresencePollInterval time.Duration
	HeartbeatInterval    time.Duration
	CachePath            string
	MaxAttempts          int           // action queue retry ceiling
	RetryBackoff         time.Duration // initial backoff, doubled per attempt
	MaxRetryBackoff      time.Duration
}

func Load() *Config {
	cfg := &Config{
		ServerURL:            "http://localhost:8000",
		RequestTimeout:       10 * time.Second,
		MessagePollInterval:  2 * time.Second,
		PresencePollInterval: 5 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		CachePath:            "chatsync.db",
		MaxAttempts:          5,
		RetryBackoff:         500 * time.Millisecond,
		MaxRetryBackoff:      8 * time.Second,
	}

	if url := os.Getenv("CHATSYNC_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}

	if path := os.Getenv("CHATSYNC_CACHE_PATH"); path != "" {
		cfg.CachePath = path
	}

	if timeoutStr := os.Getenv("CHATSYNC_REQUEST_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.RequestTimeout = time.Duration(timeout) * time.Second
		}
	}

	if intervalStr := os.Getenv("CHATSYNC_MESSAGE_POLL_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.MessagePollInterval = time.Duration(interval) * time.Second
		}
	}

	if intervalStr := os.Getenv("CHATSYNC_PRESENCE_POLL_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.PresencePollInterval = time.Duration(interval) * time.Second
		}
	}

	if intervalStr := os.Getenv("CHATSYNC_HEARTBEAT_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.HeartbeatInterval = time.Duration(interval) * time.Second
		}
	}

	if attemptsStr := os.Getenv("CHATSYNC_MAX_ATTEMPTS"); attemptsStr != "" {
		if attempts, err := strconv.Atoi(attemptsStr); err == nil && attempts > 0 {
			cfg.MaxAttempts = attempts
		}
	}

	if backoffStr := os.Getenv("CHATSYNC_RETRY_BACKOFF_MS"); backoffStr != "" {
		if backoff, err := strconv.Atoi(backoffStr); err == nil && backoff > 0 {
			cfg.RetryBackoff = time.Duration(backoff) * time.Millisecond
		}
	}

	if backoffStr := os.Getenv("CHATSYNC_MAX_RETRY_BACKOFF_MS"); backoffStr != "" {
		if backoff, err := strconv.Atoi(backoffStr); err == nil && backoff > 0 {
			cfg.MaxRetryBackoff = time.Duration(backoff) * time.Millisecond
		}
	}

	return cfg
}
