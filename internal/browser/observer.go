package browser

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/internal/observability"
)

// consoleNoise lists console substrings that are never worth logging.
var consoleNoise = []string{
	"Download the React DevTools",
	"Download the Vue Devtools",
	"JQMIGRATE",
	"[Fast Refresh]",
	"DevTools failed to load source map",
	"API KEY",
}

func isConsoleNoise(text string) bool {
	for _, pattern := range consoleNoise {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// observer drains page observations on its own goroutine so backend event
// callbacks never block on logging or dialog handling.
type observer struct {
	logger   *zap.Logger
	onDialog func(Observation)

	mu     sync.RWMutex
	ch     chan Observation
	closed bool
	done   chan struct{}
}

func newObserver(buffer int, logger *zap.Logger, onDialog func(Observation)) *observer {
	if buffer <= 0 {
		buffer = 256
	}
	o := &observer{
		logger:   logger.Named("observer"),
		onDialog: onDialog,
		ch:       make(chan Observation, buffer),
		done:     make(chan struct{}),
	}
	go o.run()
	return o
}

// emit never blocks. Console and page error observations are dropped when the
// buffer is full; dialogs are handed off directly because an unanswered dialog
// stalls the page.
func (o *observer) emit(obs Observation) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- obs:
	default:
		if obs.Kind == ObservationDialog {
			go o.handle(obs)
			return
		}
		observability.ObservationDropped()
	}
}

func (o *observer) run() {
	defer close(o.done)
	for obs := range o.ch {
		o.handle(obs)
	}
}

func (o *observer) handle(obs Observation) {
	switch obs.Kind {
	case ObservationConsole:
		if isConsoleNoise(obs.Text) {
			return
		}
		fields := []zap.Field{zap.String("type", obs.Level), zap.String("text", obs.Text)}
		switch strings.ToLower(obs.Level) {
		case "error":
			o.logger.Error("Console message", fields...)
		case "warning", "warn":
			o.logger.Warn("Console message", fields...)
		case "info":
			o.logger.Info("Console message", fields...)
		default:
			o.logger.Debug("Console message", fields...)
		}
	case ObservationPageError:
		o.logger.Error("Uncaught page error", zap.String("error", obs.Text))
	case ObservationDialog:
		o.logger.Info("Dialog opened, accepting", zap.String("type", obs.Level), zap.String("message", obs.Text))
		if o.onDialog != nil {
			o.onDialog(obs)
		}
	}
}

// stop closes intake and waits for the drain goroutine to finish.
func (o *observer) stop() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
	o.mu.Unlock()
	<-o.done
}
