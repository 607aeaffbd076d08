package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yeozhishen/tftpd/internal/config"
	"github.com/yeozhishen/tftpd/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the TFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, &loaded, &cfg)
			if err := loaded.Validate(); err != nil {
				return err
			}

			logger := newLogger(loaded.LogLevel)
			srv, err := server.New(loaded, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Start(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&cfg.Host, "host", config.DefaultHost, "bind address")
	flags.IntVar(&cfg.Port, "port", config.DefaultPort, "UDP port to listen on")
	flags.IntVar(&cfg.MaxBlockSize, "max-block-size", config.DefaultMaxBlockSize, "DATA payload size in bytes")
	flags.IntVar(&cfg.Timeout, "timeout", config.DefaultTimeout, "per-block retransmit timeout in seconds")
	flags.IntVar(&cfg.Retries, "retries", config.DefaultRetries, "retransmissions allowed beyond the first send")
	flags.StringVar(&cfg.FileDirectory, "file-directory", config.DefaultFileDir, "directory served to clients")
	flags.BoolVar(&cfg.SinglePort, "single-port", false, "multiplex all transfers on the listening port instead of using ephemeral TIDs")
	flags.StringVar(&cfg.LogLevel, "log-level", config.DefaultLogLevel, "one of debug,info,warn,error")

	return cmd
}

// applyFlagOverrides layers only the flags the user actually set on top of
// whatever Load produced from defaults + YAML file, so an unset flag never
// clobbers a YAML-provided value with the flag's own default.
func applyFlagOverrides(cmd *cobra.Command, loaded *config.Config, flagCfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		loaded.Host = flagCfg.Host
	}
	if flags.Changed("port") {
		loaded.Port = flagCfg.Port
	}
	if flags.Changed("max-block-size") {
		loaded.MaxBlockSize = flagCfg.MaxBlockSize
	}
	if flags.Changed("timeout") {
		loaded.Timeout = flagCfg.Timeout
	}
	if flags.Changed("retries") {
		loaded.Retries = flagCfg.Retries
	}
	if flags.Changed("file-directory") {
		loaded.FileDirectory = flagCfg.FileDirectory
	}
	if flags.Changed("single-port") {
		loaded.SinglePort = flagCfg.SinglePort
	}
	if flags.Changed("log-level") {
		loaded.LogLevel = flagCfg.LogLevel
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.NewConsoleWriter()).Level(lvl).With().Timestamp().Logger()
}
