package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	handlerConfig "github.com/iurnickita/voucherd/internal/handler/config"
	ledgerConfig "github.com/iurnickita/voucherd/internal/ledger/config"
	lockerConfig "github.com/iurnickita/voucherd/internal/locker/config"
	loggerConfig "github.com/iurnickita/voucherd/internal/logger/config"
	notifierConfig "github.com/iurnickita/voucherd/internal/notifier/config"
	pricingConfig "github.com/iurnickita/voucherd/internal/pricing/config"
	serviceConfig "github.com/iurnickita/voucherd/internal/service/config"
	routerConfig "github.com/iurnickita/voucherd/internal/service/routerclient/config"
	storeConfig "github.com/iurnickita/voucherd/internal/store/config"
	tokenConfig "github.com/iurnickita/voucherd/internal/token/config"
	voucherConfig "github.com/iurnickita/voucherd/internal/voucher/config"
)

const (
	envPrefix      = "VOUCHERD"
	envConfigFile  = "VOUCHERD_CONFIG"
	defaultCfgFile = "voucherd.yaml"
)

type Config struct {
	Handler  handlerConfig.Config  `mapstructure:"handler"`
	Service  serviceConfig.Config  `mapstructure:"service"`
	Store    storeConfig.Config    `mapstructure:"store"`
	Logger   loggerConfig.Config   `mapstructure:"logger"`
	Ledger   ledgerConfig.Config   `mapstructure:"ledger"`
	Pricing  pricingConfig.Config  `mapstructure:"pricing"`
	Voucher  voucherConfig.Config  `mapstructure:"voucher"`
	Router   routerConfig.Config   `mapstructure:"router"`
	Locker   lockerConfig.Config   `mapstructure:"locker"`
	Notifier notifierConfig.Config `mapstructure:"notifier"`
	Token    tokenConfig.Config    `mapstructure:"token"`
}

// GetConfig собирает конфигурацию: значения по умолчанию, YAML-файл (если есть)
// и переменные окружения VOUCHERD_<РАЗДЕЛ>_<КЛЮЧ>, в том числе из .env.
func GetConfig() (Config, error) {
	var cfg Config

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	path := os.Getenv(envConfigFile)
	if path == "" {
		path = defaultCfgFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// без файла работаем на умолчаниях и окружении
		if !errors.Is(err, fs.ErrNotExist) || os.Getenv(envConfigFile) != "" {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	// блокировка ваучера держится всю выдачу учетных данных, включая повторы
	// и удаление при неудачной активации
	if minTTL := cfg.Service.ProvisionBudget() + cfg.Service.ProvisionTimeout; cfg.Locker.TTL < minTTL {
		cfg.Locker.TTL = minTTL
	}
	return cfg, nil
}

// setDefaults регистрирует все ключи: AutomaticEnv при Unmarshal видит только известные ключи.
func setDefaults(v *viper.Viper) {
	v.SetDefault("handler.addr", ":8080")
	v.SetDefault("handler.amount_scale", 0)

	v.SetDefault("service.retry_base", 500*time.Millisecond)
	v.SetDefault("service.retry_attempts", 3)
	v.SetDefault("service.provision_timeout", 10*time.Second)
	v.SetDefault("service.sweep_interval", time.Minute)
	v.SetDefault("service.reconcile_every", 10)
	v.SetDefault("service.sweep_batch", 100)
	v.SetDefault("service.max_stock_batch", 500)
	v.SetDefault("service.recovery_delay", time.Duration(0))

	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 10)

	v.SetDefault("logger.level", "info")

	v.SetDefault("ledger.node_id", 1)

	v.SetDefault("pricing.file", "")

	v.SetDefault("voucher.pending_ttl", 30*24*time.Hour)

	v.SetDefault("router.addr", "")
	v.SetDefault("router.username", "")
	v.SetDefault("router.password", "")
	v.SetDefault("router.timeout", 10*time.Second)
	v.SetDefault("router.insecure", false)
	v.SetDefault("router.comment", "voucherd")

	v.SetDefault("locker.redis_addr", "")
	v.SetDefault("locker.pool_size", 10)
	v.SetDefault("locker.ttl", time.Duration(0))
	v.SetDefault("locker.poll", 50*time.Millisecond)

	v.SetDefault("notifier.amqp_url", "")
	v.SetDefault("notifier.exchange", "voucherd.events")

	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", 24*time.Hour)
}
