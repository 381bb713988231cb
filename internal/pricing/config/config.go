package config

type Config struct {
	// File - YAML-каталог тарифов. Пустой путь - встроенный каталог.
	File string `mapstructure:"file"`
}
