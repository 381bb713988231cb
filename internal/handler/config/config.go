package config

type Config struct {
	ServerAddr string `mapstructure:"addr"`
	// AmountScale - число знаков после запятой в суммах API (0 для рупий)
	AmountScale int32 `mapstructure:"amount_scale"`
}
