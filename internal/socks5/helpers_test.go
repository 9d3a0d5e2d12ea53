package socks5

import (
	"log/slog"

	"github.com/relaywire/socks5d/internal/logging"
)

// discardLogger returns a logger that swallows every record, for tests that
// need a *slog.Logger but don't care about its output.
func discardLogger() *slog.Logger {
	return logging.NopLogger()
}
