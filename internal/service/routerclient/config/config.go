package config

import "time"

type Config struct {
	// RouterAddr - адрес REST API RouterOS, например https://192.168.88.1
	RouterAddr string        `mapstructure:"addr"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Insecure   bool          `mapstructure:"insecure"`
	Comment    string        `mapstructure:"comment"`
}
