package led

import "log/slog"

// noop implements Controller for systems without LED support.
type noop struct {
	logger *slog.Logger
}

func newNoop(logger *slog.Logger) *noop {
	return &noop{logger: logger}
}

func (n *noop) Set(role string, pattern Pattern) error {
	n.logger.Debug("LED control not available (no-op)", "role", role, "pattern", pattern)
	return nil
}

func (n *noop) Available() []string {
	return []string{}
}
