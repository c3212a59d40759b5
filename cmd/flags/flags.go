package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/e2ee-key-custody/api"
	"github.com/ruteri/e2ee-key-custody/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var StorageURIsFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Value:   cli.NewStringSlice("file://./escrow-data"),
	Usage:   "storage backend URI, repeatable: file:///path, s3://bucket/prefix?region=..., vault://host/mount/path, memory://name",
	EnvVars: []string{"ESCROW_STORAGE"},
}

var BackendURLFlag = &cli.StringFlag{
	Name:    "backend-url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "escrow backend base URL",
	EnvVars: []string{"ESCROW_BACKEND_URL"},
}

var AccountIDFlag = &cli.StringFlag{
	Name:     "account",
	Required: true,
	Usage:    "messaging account id, e.g. @alice:example.org",
}

var CredentialFlag = &cli.StringFlag{
	Name:  "credential",
	Value: "password",
	Usage: "credential protecting the recovery key: 'wallet' or 'password'",
}

var WalletKeyFlag = &cli.StringFlag{
	Name:    "wallet-key",
	Usage:   "hex-encoded secp256k1 private key of the local wallet (wallet credential)",
	EnvVars: []string{"WALLET_KEY"},
}

var WalletAddressFlag = &cli.StringFlag{
	Name:  "wallet-address",
	Usage: "wallet address registered for the account; defaults to the address of --wallet-key",
}

var PasswordFlag = &cli.StringFlag{
	Name:    "password",
	Usage:   "recovery password (password credential); prompted on stdin when empty",
	EnvVars: []string{"RECOVERY_PASSWORD"},
}

var CacheDirFlag = &cli.StringFlag{
	Name:  "cache-dir",
	Value: ".keycache",
	Usage: "directory of the local key cache and engine account data",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
