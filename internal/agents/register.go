package agents

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/completion"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"go.uber.org/zap"
)

// Settings selects a handler per task type. A remote URL takes precedence over
// the completion-backed handler.
type Settings struct {
	EditURL    string
	ActURL     string
	ClarifyURL string
	Timeout    time.Duration
}

func (s Settings) url(t task.Type) string {
	switch t {
	case task.TypeEdit:
		return s.EditURL
	case task.TypeAct:
		return s.ActURL
	case task.TypeClarify:
		return s.ClarifyURL
	}
	return ""
}

// RegisterDefaults registers a handler for every task type on reg.
func RegisterDefaults(reg *task.Registry, s Settings, c completion.Completer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, t := range task.AllTypes() {
		var (
			h   task.Handler
			err error
		)
		if u := s.url(t); u != "" {
			h, err = NewRemoteHandler(t, u, s.Timeout, logger)
			if err == nil {
				logger.Info("using remote handler", zap.String("type", string(t)), zap.String("url", u))
			}
		} else {
			h, err = NewCompletionHandler(t, c)
		}
		if err != nil {
			return fmt.Errorf("building %s handler: %w", t, err)
		}
		if err := reg.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}
