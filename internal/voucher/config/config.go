package config

import "time"

type Config struct {
	// PendingTTL - срок хранения невыданного (pending) ваучера, 0 - бессрочно
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}
