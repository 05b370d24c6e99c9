package config

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SQLGUARD_ACTIVE_STRATEGY=block.
const EnvPrefix = "SQLGUARD"

// keys that can be overridden from the environment
var envKeys = []string{
	"enabled",
	"active-strategy",
	"interception-layer",
	"parser.lenient",
	"parser.cache-size",
	"dedup.enabled",
	"dedup.ttl",
	"parse-failure.severity",
	"parse-failure.fail",
	"pagination.physical-paging",
	"rewrite.enabled",
	"rewrite.default-limit",
	"audit.enabled",
	"audit.path",
	"rules.deep-pagination.max-offset",
	"rules.large-page-size.max-page-size",
}

// Load layers defaults, the optional file at path and the environment, then validates.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

// LoadWith is Load for a caller-owned viper instance, e.g. one with bound CLI flags.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	return load(v, path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "bind env %s", key)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := Default()
	// lists and maps from the file replace the defaults instead of merging into them
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.ZeroFields = true }); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
