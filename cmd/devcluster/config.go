package main

import (
	"path/filepath"
	"time"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/devcluster/probe"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type config struct {
	logLevelStr       string
	port              int
	sharded           bool
	shardCount        int
	configServerCount int
	replicated        bool
	replMemberCount   int
	replSetName       string
	dataDir           string
	logDir            string
	binDir            string
	probeInterval     time.Duration
	readyTimeout      time.Duration
	primaryTimeout    time.Duration
	connectTimeout    time.Duration
	webPort           int
	otlpEndpoint      string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:       viper.GetString("log-level"),
		port:              viper.GetInt("port"),
		sharded:           viper.GetBool("sharded"),
		shardCount:        viper.GetInt("shard-count"),
		configServerCount: viper.GetInt("config-server-count"),
		replicated:        viper.GetBool("replicated"),
		replMemberCount:   viper.GetInt("repl-member-count"),
		replSetName:       viper.GetString("repl-set-name"),
		dataDir:           viper.GetString("data-dir"),
		logDir:            viper.GetString("log-dir"),
		binDir:            viper.GetString("bin-dir"),
		probeInterval:     viper.GetDuration("probe-interval"),
		readyTimeout:      viper.GetDuration("ready-timeout"),
		primaryTimeout:    viper.GetDuration("primary-timeout"),
		connectTimeout:    viper.GetDuration("connect-timeout"),
		webPort:           viper.GetInt("web-port"),
		otlpEndpoint:      viper.GetString("otlp-endpoint"),
	}

	logger.Info("parsed devcluster configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Int("port", config.port),
		zap.Bool("sharded", config.sharded),
		zap.Int("shardCount", config.shardCount),
		zap.Int("configServerCount", config.configServerCount),
		zap.Bool("replicated", config.replicated),
		zap.Int("replMemberCount", config.replMemberCount),
		zap.String("replSetName", config.replSetName),
		zap.String("dataDir", config.dataDir),
		zap.String("logDir", config.logDir),
		zap.String("binDir", config.binDir),
		zap.Duration("probeInterval", config.probeInterval),
		zap.Duration("readyTimeout", config.readyTimeout),
		zap.Duration("primaryTimeout", config.primaryTimeout),
		zap.Duration("connectTimeout", config.connectTimeout),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint))

	return config
}

// settingChanged reports whether the operator set a setting through a flag,
// the environment or the config file.  Defaults do not count.
func settingChanged(cmd *cobra.Command) func(name string) bool {
	return func(name string) bool {
		return cmd.Flags().Changed(name) || viper.IsSet(name)
	}
}

// checkFlagConflicts rejects sharding or replication knobs given without the
// mode they belong to.  changed reports whether the operator set a setting.
func (c *config) checkFlagConflicts(changed func(name string) bool) error {
	if !c.sharded {
		for _, name := range []string{"shard-count", "config-server-count"} {
			if changed(name) {
				return clustererr.Configuration(name+" is only valid with sharded", nil)
			}
		}
	}
	if !c.replicated {
		for _, name := range []string{"repl-member-count", "repl-set-name"} {
			if changed(name) {
				return clustererr.Configuration(name+" is only valid with replicated", nil)
			}
		}
	}
	return nil
}

func (c *config) topologyOptions() (topology.Options, error) {
	dataDir, err := filepath.Abs(c.dataDir)
	if err != nil {
		return topology.Options{}, clustererr.Configuration("resolve data directory", err)
	}
	logDir, err := filepath.Abs(c.logDir)
	if err != nil {
		return topology.Options{}, clustererr.Configuration("resolve log directory", err)
	}

	return topology.Options{
		Port:              c.port,
		Sharded:           c.sharded,
		ShardCount:        c.shardCount,
		ConfigServerCount: c.configServerCount,
		Replicated:        c.replicated,
		ReplMemberCount:   c.replMemberCount,
		ReplSetName:       c.replSetName,
		DataDir:           dataDir,
		LogDir:            logDir,
	}, nil
}

func (c *config) readyPolicy() probe.Policy {
	return probe.Policy{
		Interval: c.probeInterval,
		Timeout:  c.readyTimeout,
	}
}

func (c *config) primaryPolicy() probe.Policy {
	return probe.Policy{
		Interval: c.probeInterval,
		Timeout:  c.primaryTimeout,
	}
}
