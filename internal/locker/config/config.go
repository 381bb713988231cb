package config

import "time"

type Config struct {
	// RedisAddr - адрес Redis. Пустая строка - блокировки в памяти процесса.
	RedisAddr string        `mapstructure:"redis_addr"`
	PoolSize  int           `mapstructure:"pool_size"`
	TTL       time.Duration `mapstructure:"ttl"`
	Poll      time.Duration `mapstructure:"poll"`
}
