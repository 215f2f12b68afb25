package housekeeping

import (
	"context"
	"time"

	"github.com/boreproxy/bore/pkg/logging"
)

// Periodically runs task at the given interval, once immediately and then
// once per tick, until the provided context is cancelled. It is designed to
// be run as a background goroutine in a long-lived process. name is used
// only for logging.
func Periodically(ctx context.Context, logger *logging.Logger, name string, interval time.Duration, task func()) {
	// Perform an initial sweep since the ticker won't fire straight away.
	logger.Debugf("Performing initial %s sweep", name)
	task()

	// Create a ticker to regulate the sweep and defer its shutdown.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Loop and wait for the ticker or cancellation.
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debugf("Performing %s sweep", name)
			task()
		}
	}
}
