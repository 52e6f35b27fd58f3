package crawler

import (
	"context"
	"strconv"
	"time"
)

// TimerPauser implements Pauser with a timer.
type TimerPauser struct{}

// Pause blocks for delay. It returns ctx.Err() if the context finishes first.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PageURL builds the listing URL for page n.
func PageURL(baseURL string, page int) string {
	return baseURL + "?page=" + strconv.Itoa(page) + "&"
}
