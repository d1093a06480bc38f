// Package console is an interactive terminal client: type a task, watch
// every response the service sends back.
package console

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/autoglm/taskrelay"
)

// consumerID is the queue the console registers on the relay's hub.
const consumerID = "console"

// Console runs the interactive client against a relay.
type Console struct {
	errs  chan error
	theme string
	log   zerolog.Logger
	opts  []tea.ProgramOption
}

// New creates a Console. theme names a chroma style for payloads.
func New(theme string, logger zerolog.Logger, opts ...tea.ProgramOption) *Console {
	return &Console{
		errs:  make(chan error, 16),
		theme: theme,
		log:   logger,
		opts:  opts,
	}
}

// RelayOptions routes relay errors to the console so they are shown to the
// user. They must be passed to taskrelay.New.
func (c *Console) RelayOptions() []taskrelay.Option {
	return []taskrelay.Option{taskrelay.WithOnError(c.report)}
}

func (c *Console) report(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Debug().Err(err).Msg("console error buffer full")
	}
}

// Run connects synchronously, runs the UI until the user quits or ctx is
// cancelled, then shuts the relay down. A failed first connect is returned
// without starting the UI.
func (c *Console) Run(ctx context.Context, relay *taskrelay.Relay) error {
	if err := relay.ConnectNow(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer relay.Shutdown(context.WithoutCancel(ctx))

	records, err := relay.Subscribe(consumerID)
	if err != nil {
		return err
	}
	defer relay.Unsubscribe(consumerID)

	uiCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewModel(uiCtx, relay, records, c.errs, NewHighlighter(c.theme))
	opts := append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, c.opts...)

	if _, err := tea.NewProgram(model, opts...).Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
