// Command timeserver runs the clock service that lock contenders use for
// lease arithmetic, and offers client subcommands to query or stop it.
//
// Every flag can also be set through the environment as DLOCK_<FLAG>, with
// dashes turned into underscores (e.g. DLOCK_METRICS_ADDR=:2112). A .env
// file in the working directory is loaded first.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-dlock/v1/clock"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

const defaultAddr = ":9999"

var rootCmd = &cobra.Command{
	Use:          "timeserver",
	Short:        "Serve epoch milliseconds to lock clients",
	Long:         `Serve the current time in epoch milliseconds over a plain text TCP protocol. Clients send "time" and read the reply; "halt" stops the server.`,
	SilenceUsage: true,
	PreRunE:      bindFlags,
	RunE:         serve,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("addr", defaultAddr, "address of the clock server")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("metrics-addr", "", "address of the prometheus /metrics endpoint, empty to disable")

	rootCmd.AddCommand(nowCmd, haltCmd)
}

// initConfig loads env files and maps DLOCK_* variables onto flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func serve(cmd *cobra.Command, _ []string) error {
	addr := viper.GetString("addr")
	srv := clock.NewServer(clock.WithServerLogger(slog.Default()))

	if metricsAddr := viper.GetString("metrics-addr"); metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterClockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics endpoint stopped", "addr", metricsAddr, "error", err)
			}
		}()
		slog.Info("serving metrics", "addr", metricsAddr)
	}

	slog.Info("clock server listening", "addr", addr)
	if err := srv.ListenAndServe(addr); err != nil {
		return err
	}
	slog.Info("clock server halted", "addr", addr)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
