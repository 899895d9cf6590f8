package mrscmd

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the shared option set of every subcommand, per SPEC_FULL's
// ambient-configuration section: master URL, listen port, shared
// directory, reduce-task count, ping interval/miss count, keep-jobdir,
// and profile flag. It is loaded by viper from an optional YAML file,
// environment variables (MRS_ prefix), and command-line flags, in
// that increasing order of precedence, grounded on
// firestige-Otus/internal/otus/config/loader.go's viper convention.
//
// Struct tags use the same spelling as the matching cobra flag name
// (dashes, not underscores) since viper.BindPFlags registers each
// flag under its literal name: a mismatched tag would silently never
// unmarshal that flag's value.
type Config struct {
	MasterAddr    string        `mapstructure:"master-addr"`
	ListenAddr    string        `mapstructure:"listen-addr"`
	AdvertiseHost string        `mapstructure:"advertise-host"`
	DataDir       string        `mapstructure:"data-dir"`
	ReduceTasks   int           `mapstructure:"reduce-tasks"`
	PingInterval  time.Duration `mapstructure:"ping-interval"`
	MaxMisses     int           `mapstructure:"max-misses"`
	MaxFetchConns int           `mapstructure:"max-fetch-conns"`
	KeepJobdir    bool          `mapstructure:"keep-jobdir"`
	Profile       bool          `mapstructure:"profile"`
	Workers       int           `mapstructure:"workers"`
}

func defaultConfig() Config {
	return Config{
		MasterAddr:    "127.0.0.1:9090",
		ListenAddr:    ":9090",
		AdvertiseHost: "127.0.0.1",
		DataDir:       "mrs-data",
		ReduceTasks:   1,
		PingInterval:  5 * time.Second,
		MaxMisses:     3,
		MaxFetchConns: 0,
		Workers:       2,
	}
}

// loadConfig reads cfgFile (if non-empty), overlays MRS_-prefixed
// environment variables, then overlays cmd's own flags (bound by each
// subcommand's init), returning the merged Config.
func loadConfig(cfgFile string, bind func(v *viper.Viper) error) (Config, error) {
	v := viper.New()
	cfg := defaultConfig()

	v.SetEnvPrefix("MRS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}
	if bind != nil {
		if err := bind(v); err != nil {
			return cfg, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
