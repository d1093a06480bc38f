package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autoglm/taskrelay"
	"github.com/autoglm/taskrelay/internal/console"
)

var errNoToken = errors.New("api token not configured: set AUTOGLM_API_TOKEN or pass --token")

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open an interactive task console",
	Long: `Connect to the task service and read tasks from the terminal. Every
response the service sends is printed as it arrives.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().String("theme", "monokai", "chroma style for payloads, or \"none\"")
	consoleCmd.Flags().String("log-file", "", "write logs to this file (the terminal is taken by the UI)")
}

func runConsole(cmd *cobra.Command, args []string) error {
	theme, _ := cmd.Flags().GetString("theme")
	logFile, _ := cmd.Flags().GetString("log-file")

	var out io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}

	cfg, log, err := loadConfig(out)
	if err != nil {
		return err
	}
	if cfg.API.Token == "" {
		return errNoToken
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := console.New(theme, log)
	relay := taskrelay.New(cfg.API.URL, cfg.API.Token, append(cfg.RelayOptions(log), c.RelayOptions()...)...)
	return c.Run(ctx, relay)
}
