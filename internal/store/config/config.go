package config

type Config struct {
	// DBDsn - строка подключения к Postgres. Пустая строка - хранилище в памяти.
	DBDsn        string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}
