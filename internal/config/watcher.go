package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/go-sockdock/internal/bus"
)

// Watcher watches the config file and publishes a bus notification when it
// changes, so long-running surfaces (TUI, bridge) can react without a
// restart.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	bus     *bus.Bus
	events  chan string
}

func NewWatcher(homeDir string, eventBus *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		bus:     eventBus,
		events:  make(chan string, 16),
	}
}

// Events returns changed file paths, one per write/create/rename.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	_ = fsw.Add(Path(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ev.Name:
				default:
				}
				if w.bus != nil {
					w.bus.Publish(bus.TopicConfigUpdated, bus.ConfigUpdatedEvent{Path: ev.Name})
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
