package config

type Config struct {
	// NodeID - номер узла для генерации идентификаторов записей (0..1023)
	NodeID int64 `mapstructure:"node_id"`
}
