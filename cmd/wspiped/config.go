package main

import (
	"fmt"
	"strings"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipesvc"
	"github.com/sammck-go/wspipe/pkg/wsgate"
	"github.com/spf13/viper"
)

// config is the daemon configuration. Every key can also be set from the environment as
// WSPIPE_<KEY>.
type config struct {
	Listen      string
	LogLevel    logger.LogLevel
	LogRequests bool
	Broker      pipesvc.Config
	Gateway     wsgate.ServerConfig
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:7420")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_requests", false)
	v.SetDefault("match_policy", "first")
	v.SetDefault("default_version", "0.0")
	v.SetEnvPrefix("WSPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("wspiped")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wspipe")
	}
	return v
}

// readConfig reads the config file, if there is one, and decodes the full configuration
func readConfig(v *viper.Viper, explicit bool) (*config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || explicit {
			return nil, fmt.Errorf("unable to read config: %w", err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*config, error) {
	cfg := &config{
		Listen:      v.GetString("listen"),
		LogRequests: v.GetBool("log_requests"),
	}
	var err error
	cfg.LogLevel, err = parseLogLevel(v.GetString("log_level"))
	if err != nil {
		return nil, err
	}
	cfg.Broker.MatchPolicy, err = pipesvc.ParseMatchPolicy(v.GetString("match_policy"))
	if err != nil {
		return nil, err
	}
	routes, err := decodeRoutes(v)
	if err != nil {
		return nil, err
	}
	cfg.Gateway = wsgate.ServerConfig{
		Routes:         routes,
		DefaultVersion: v.GetString("default_version"),
		LogRequests:    cfg.LogRequests,
	}
	return cfg, nil
}

func decodeRoutes(v *viper.Viper) (map[string]wsgate.Route, error) {
	routes := make(map[string]wsgate.Route)
	if err := v.UnmarshalKey("routes", &routes); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	for k, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("route %q has no pipe name", k)
		}
	}
	return routes, nil
}

func parseLogLevel(s string) (logger.LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return logger.LogLevelError, nil
	case "warning", "warn":
		return logger.LogLevelWarning, nil
	case "", "info":
		return logger.LogLevelInfo, nil
	case "debug":
		return logger.LogLevelDebug, nil
	case "trace":
		return logger.LogLevelTrace, nil
	}
	return logger.LogLevelInfo, fmt.Errorf("unknown log level: %q", s)
}
