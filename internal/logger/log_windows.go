//go:build windows

package logger

import (
	"github.com/phuslu/log"

	"etw_consumer/internal/config"
)

func createEventlogWriter(c *config.EventlogConfig) (log.Writer, error) {
	return withAsync(&log.EventlogWriter{
		Source: c.Source,
		ID:     uintptr(c.ID),
		Host:   c.Host,
	}, c.Async), nil
}
