package main

import (
	"context"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DoctorEvidence/cobase"
	"github.com/DoctorEvidence/cobase/log"
	logruslog "github.com/DoctorEvidence/cobase/log/logrus"
	slogadapter "github.com/DoctorEvidence/cobase/log/slog"
	zaplog "github.com/DoctorEvidence/cobase/log/zap"
	"github.com/DoctorEvidence/cobase/peer"
	peerredis "github.com/DoctorEvidence/cobase/peer/redis"
	"github.com/DoctorEvidence/cobase/peer/unixsock"
	"github.com/DoctorEvidence/cobase/store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const Version = "0.3.0"

var (
	RootCmd = &cobra.Command{
		Use:   "cobase",
		Short: "inspect and exercise cobase table files",
		Long: fmt.Sprintf(`cobase (v%s)

Tools for the LMDB files behind cobase entity and derived tables. Every
flag can also be set through the environment as COBASE_<FLAG>, e.g.
COBASE_DIR=/var/lib/app/cache. .env and .env.local are read on start.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: bindFlags,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of cobase",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cobase v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := RootCmd.PersistentFlags()
	flags.String("dir", "cache", "directory holding the table files")
	flags.Int64("map-size", 0, "initial map size in bytes (0 selects the default)")
	flags.Bool("write-map", false, "open the files with a writable memory map")
	flags.Bool("clear-on-start", false, "drop all rows of every opened table")
	flags.Bool("does-initialization", true, "let this process initialize tables nobody else has open")
	flags.Duration("commit-delay", 0, "batching window of queued writes (0 selects the default)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-backend", "zap", "logging backend (zap, logrus, slog)")
	flags.String("messenger", "none", "how processes notify each other (none, unix, redis)")
	flags.String("socket-dir", "", "socket directory of the unix messenger (defaults to the temp dir)")
	flags.String("redis-addr", "localhost:6379", "redis address of the redis messenger")

	RootCmd.AddCommand(versionCmd, tablesCmd, inspectCmd, getCmd, statsCmd, benchCmd)
}

// initConfig loads env files and maps COBASE_* variables onto the flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("cobase")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

func newLogger() (log.Logger, func(), error) {
	level := viper.GetString("log-level")
	switch backend := viper.GetString("log-backend"); backend {
	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, err
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build()
		if err != nil {
			return nil, nil, err
		}
		return zaplog.New(l), func() { _ = l.Sync() }, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nil, err
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.SetOutput(os.Stderr)
		return logruslog.New(l), func() {}, nil
	case "slog":
		var lvl stdslog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, err
		}
		h := stdslog.NewTextHandler(os.Stderr, &stdslog.HandlerOptions{Level: lvl})
		return slogadapter.New(h), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log backend %q", backend)
	}
}

// newMessenger returns the configured messenger, or nil for none. stop
// closes it along with anything it depends on.
func newMessenger(ctx context.Context, logger log.Logger) (msgr peer.Messenger, stop func(), err error) {
	switch kind := viper.GetString("messenger"); kind {
	case "none", "":
		return nil, func() {}, nil
	case "unix":
		m, err := unixsock.Listen(unixsock.Options{Dir: viper.GetString("socket-dir"), Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return m, func() { _ = m.Close() }, nil
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{viper.GetString("redis-addr")}})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		m, err := peerredis.New(ctx, rdb, peerredis.Options{Logger: logger})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return m, func() {
			_ = m.Close()
			_ = rdb.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown messenger %q", kind)
	}
}

func managerConfig(logger log.Logger, msgr peer.Messenger) cobase.Config {
	return cobase.Config{
		Dir:                viper.GetString("dir"),
		MapSize:            viper.GetInt64("map-size"),
		WriteMap:           viper.GetBool("write-map"),
		ClearOnStart:       viper.GetBool("clear-on-start"),
		SkipInitialization: !viper.GetBool("does-initialization"),
		CommitDelay:        viper.GetDuration("commit-delay"),
		Messenger:          msgr,
		Logger:             logger,
	}
}

func tablePath(name string) string {
	return filepath.Join(viper.GetString("dir"), name+".mdb")
}

// openStore opens the file of table name without registering in it.
func openStore(name string, logger log.Logger) (*store.Store, error) {
	path := tablePath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	return store.Open(path, store.Options{
		Name:     name,
		MapSize:  viper.GetInt64("map-size"),
		WriteMap: viper.GetBool("write-map"),
		Logger:   logger,
	})
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
