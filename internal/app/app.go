package app

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"parley/internal/api"
	"parley/internal/logging"
	"parley/internal/run"
	"parley/internal/store"
	"parley/internal/types"
)

type Config struct {
	Client       *api.Client
	Store        *store.BboltStore
	Log          logging.Logger
	ThreadID     string
	UsePlanning  bool
	UseExplainer bool
}

// Run starts the interactive session and blocks until the user quits.
func Run(cfg Config) error {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}

	driverCfg := run.Config{
		API:          cfg.Client,
		Log:          log,
		ThreadID:     cfg.ThreadID,
		UsePlanning:  cfg.UsePlanning,
		UseExplainer: cfg.UseExplainer,
	}
	if cfg.Store != nil {
		driverCfg.Store = driverStore{inner: cfg.Store}
	}
	driver := run.NewDriver(driverCfg)
	defer driver.Close()

	if cfg.ThreadID != "" {
		driver.Hydrate(loadHistory(cfg, log))
	}

	setMarkdownDark(lipgloss.HasDarkBackground())

	program := tea.NewProgram(newModel(driver, log), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// loadHistory prefers the server's record and falls back to the local copy
// when the server is unreachable.
func loadHistory(cfg Config, log logging.Logger) []*types.Message {
	ctx := context.Background()
	messages, err := cfg.Client.ListMessages(ctx, cfg.ThreadID)
	if err == nil {
		return messages
	}
	log.Warn("remote history unavailable", logging.F("err", err))
	if cfg.Store == nil {
		return nil
	}
	messages, err = cfg.Store.Messages(ctx, cfg.ThreadID)
	if err != nil {
		log.Warn("local history unavailable", logging.F("err", err))
		return nil
	}
	return messages
}

// driverStore narrows the bbolt store to the driver's persistence hooks.
type driverStore struct {
	inner *store.BboltStore
}

func (s driverStore) PutThread(thread *types.Thread) error {
	_, err := s.inner.PutThread(context.Background(), thread)
	return err
}

func (s driverStore) PutMessage(message *types.Message) error {
	return s.inner.PutMessage(context.Background(), message)
}
