package cmd

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autoglm/taskrelay/internal/config"
	"github.com/autoglm/taskrelay/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "Relay tasks to the AutoGLM task service",
	Long: `taskrelay keeps one websocket session to the AutoGLM task service open,
sends task instructions over it and fans every response out to local
consumers: an HTTP API with streaming, or an interactive console.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("token", "", "API token (overrides AUTOGLM_API_TOKEN)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("api.token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	_ = config.LoadDotEnv()
	config.SetDefaults(viper.GetViper())

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/taskrelay")
	}

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadConfig validates the merged configuration and builds the logger
// writing to out.
func loadConfig(out io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel(),
		Service: "taskrelay",
		Pretty:  cfg.Log.Pretty,
		Output:  out,
	})
	if f := viper.ConfigFileUsed(); f != "" {
		logger.Debug().Str("file", f).Msg("config loaded")
	}
	return cfg, logger, nil
}
