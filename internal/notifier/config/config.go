package config

type Config struct {
	// AMQPURL - адрес RabbitMQ. Пустая строка - события только в лог.
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}
