package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"uvccam/internal/capture"
	"uvccam/internal/config"
	"uvccam/internal/logging"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "uvccam",
	Short: "Control a UVC webcam through an external capture program",
	Long: `uvccam drives uvccapture to take photos and timelapse series from a
UVC webcam. It can take a single capture from the command line or run a
server that manages captures over REST and WebSocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Init(v, cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/uvccam/config.yaml)")
	rootCmd.PersistentFlags().String("program", "", "capture program (default "+capture.DefaultProgram+")")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	_ = v.BindPFlag("capture.program", rootCmd.PersistentFlags().Lookup("program"))
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// loadConfig reads the merged configuration and builds the logger it asks for.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, logger, nil
}
