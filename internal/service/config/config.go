package config

import "time"

type Config struct {
	// повтор выдачи учетных данных: задержка base*2^n, не более RetryAttempts попыток
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`

	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ReconcileEvery int           `mapstructure:"reconcile_every"`
	SweepBatch     int           `mapstructure:"sweep_batch"`
	// RecoveryDelay - возраст неурегулированного списания, после которого проход возвращает средства.
	// 0 - по времени выдачи учетных данных
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`

	MaxStockBatch int `mapstructure:"max_stock_batch"`
}

// ProvisionBudget - наибольшее время выдачи учетных данных со всеми повторами
func (c Config) ProvisionBudget() time.Duration {
	budget := time.Duration(c.RetryAttempts) * c.ProvisionTimeout
	for attempt := 1; attempt < c.RetryAttempts; attempt++ {
		budget += c.RetryBase * time.Duration(1<<(attempt-1))
	}
	return budget
}
