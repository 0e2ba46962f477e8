package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/bringup"
	"github.com/couchbase/devcluster/devcluster/node"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/couchbase/devcluster/pkg/metrics"
	"github.com/couchbase/devcluster/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "devcluster",
	Short: "Brings up a local MongoDB cluster for development",

	Run: func(cmd *cobra.Command, args []string) {
		startDevCluster(cmd)
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.Int("port", topology.DefaultPort, "the first port of the cluster, the router or first data node listens here")
	configFlags.Bool("sharded", false, "start a sharded cluster behind a mongos router")
	configFlags.Int("shard-count", topology.DefaultShardCount, "the number of shards when sharded")
	configFlags.Int("config-server-count", topology.DefaultConfigServerCount, "the number of config servers when sharded")
	configFlags.Bool("replicated", false, "make every shard a replica set")
	configFlags.Int("repl-member-count", topology.DefaultReplMemberCount, "the number of members per replica set")
	configFlags.String("repl-set-name", topology.DefaultReplSetName, "the replica set name, suffixed with the shard index when sharded")
	configFlags.String("data-dir", "./data", "the root directory for node data")
	configFlags.String("log-dir", "./logs", "the root directory for node logs")
	configFlags.String("bin-dir", "", "the directory holding mongod and mongos, PATH is used when empty")
	configFlags.Duration("probe-interval", time.Second, "the interval between readiness and primary polls")
	configFlags.Duration("ready-timeout", 2*time.Minute, "how long to wait for a node to accept connections, 0 waits forever")
	configFlags.Duration("primary-timeout", 2*time.Minute, "how long to wait for a replica set primary, 0 waits forever")
	configFlags.Duration("connect-timeout", 2*time.Second, "the timeout of a single connection attempt")
	configFlags.Int("web-port", -1, "the web metrics/status port, -1 disables it")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("devcluster")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("devcluster"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	if otlpEndpoint == "" {
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
		return nil, meterProvider, nil
	}

	metricExp, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(otlpEndpoint))
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)

	traceClient := otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(otlpEndpoint))
	traceExp, err := otlptrace.New(ctx, traceClient)
	if err != nil {
		return nil, nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		return zapcore.InfoLevel
	}
	return parsedLogLevel
}

var telemetryShutdownLock sync.Mutex
var telemetryShutdownFns []func(context.Context) error

func onTelemetryShutdown(fn func(context.Context) error) {
	telemetryShutdownLock.Lock()
	defer telemetryShutdownLock.Unlock()
	telemetryShutdownFns = append(telemetryShutdownFns, fn)
}

// shutdownTelemetry flushes and stops the registered providers, most recently
// registered first.  It must run before any os.Exit.
func shutdownTelemetry(logger *zap.Logger) {
	telemetryShutdownLock.Lock()
	fns := telemetryShutdownFns
	telemetryShutdownFns = nil
	telemetryShutdownLock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for idx := len(fns) - 1; idx >= 0; idx-- {
		err := fns[idx](ctx)
		if err != nil {
			logger.Warn("failed to flush telemetry", zap.Error(err))
		}
	}
}

func fail(logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	shutdownTelemetry(logger)
	os.Exit(1)
}

func startDevCluster(cmd *cobra.Command) {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting devcluster")

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	err := config.checkFlagConflicts(settingChanged(cmd))
	if err != nil {
		fail(logger, "invalid configuration", err)
	}

	topoOpts, err := config.topologyOptions()
	if err != nil {
		fail(logger, "invalid configuration", err)
	}

	topo, err := topology.Build(topoOpts)
	if err != nil {
		fail(logger, "invalid configuration", err)
	}

	for _, name := range node.RequiredExecutables(topo) {
		path, err := node.LookupExecutable(config.binDir, name)
		if err != nil {
			fail(logger, "server binary is not available", err)
		}
		logger.Info("found server binary", zap.String("name", name), zap.String("path", path))
	}

	// setup telemetry
	tracerProvider, meterProvider, err := initTelemetry(context.Background(), logger, config.otlpEndpoint)
	if err != nil {
		fail(logger, "failed to initialize opentelemetry", err)
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		onTelemetryShutdown(tracerProvider.Shutdown)
	}
	otel.SetMeterProvider(meterProvider)
	onTelemetryShutdown(meterProvider.Shutdown)
	defer shutdownTelemetry(logger)

	orch, err := bringup.NewOrchestrator(&bringup.OrchestratorOptions{
		Logger:   logger.Named("bringup"),
		Topology: topo,
		Connector: mongoadmin.NewDriverConnector(mongoadmin.DriverConnectorOptions{
			Logger:         logger.Named("mongoadmin"),
			ConnectTimeout: config.connectTimeout,
		}),
		Starter:       node.ExecStarter{},
		Metrics:       metrics.GetDcMetrics(),
		BinDir:        config.binDir,
		ReadyPolicy:   config.readyPolicy(),
		PrimaryPolicy: config.primaryPolicy(),
	})
	if err != nil {
		fail(logger, "failed to initialize the orchestrator", err)
	}

	// setup the web service
	if config.webPort >= 0 {
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			LogLevel:      &logLevel,
			ListenAddress: fmt.Sprintf("%s:%d", topology.Host, config.webPort),
			Status:        orch,
		})
	}

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)
		newLogLevelStr := newConfig.logLevelStr

		if newLogLevelStr != config.logLevelStr {
			newParsedLogLevel := parseLogLevel(logger, newLogLevelStr)
			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		// everything else describes the cluster which is already running
		newConfig.logLevelStr = config.logLevelStr
		if *newConfig != *config {
			logger.Warn("config changes other than log-level require a restart")
		}

		newConfig.logLevelStr = newLogLevelStr
		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("file", in.Name))
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					shutdownTelemetry(logger)
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, stopping...")
					hasReceivedSigInt = true
					cancel()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, stopping...")
				cancel()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = orch.Run(ctx)
	if err != nil {
		fail(logger, "cluster bring-up failed", err)
	}

	fmt.Printf("cluster online. mongo %s to connect\n", topology.Address(topo.EntryPort()))

	// the cluster keeps running in our children, we only report on them
	err = orch.WaitForExit(ctx)
	if err != nil {
		var pids []int
		for _, h := range orch.Handles() {
			if _, exited := h.ExitCode(); !exited {
				pids = append(pids, h.Pid())
			}
		}
		logger.Info("stopped watching cluster nodes, they are left running",
			zap.Ints("pids", pids),
			zap.Error(err))
		return
	}

	logger.Info("all cluster nodes have exited")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
