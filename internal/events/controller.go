package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/timeline"
)

// Controller turns lifecycle events into activity feed entries.
// Snapshot events are ignored; they carry no news.
type Controller struct {
	eventBus *Bus
	recorder timeline.Recorder
	logger   zerolog.Logger

	subscription Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a new events Controller.
func NewController(eventBus *Bus, recorder timeline.Recorder, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus: eventBus,
		recorder: recorder,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start subscribes to lifecycle events and begins recording them.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.subscription = c.eventBus.Subscribe(LifecycleTypes()...)

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info().Msg("events controller started")
	return nil
}

// Stop stops the controller and waits for it to finish.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	if c.subscription != nil {
		c.eventBus.Unsubscribe(c.subscription)
	}
	c.wg.Wait()

	c.logger.Info().Msg("events controller stopped")
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.subscription:
			if !ok {
				return
			}
			c.record(ev)
		}
	}
}

func (c *Controller) record(ev Event) {
	c.recorder.Record(timeline.Entry{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Message:   Message(ev),
		Subject:   ev.Subject,
		Details:   ev.Data,
	})
}

// Message renders a human-readable line for ev.
func Message(ev Event) string {
	name := ev.Subject

	switch ev.Type {
	case DownloadAdded:
		return fmt.Sprintf("Download queued: %s", name)
	case DownloadComplete:
		return fmt.Sprintf("Download complete: %s", name)
	case DownloadRemoved:
		return fmt.Sprintf("Download removed: %s", name)
	case MediaSubmitted:
		return fmt.Sprintf("Media job started: %s", name)
	case MediaComplete:
		return fmt.Sprintf("Media job finished: %s", name)
	case MediaFailed:
		return fmt.Sprintf("Media job failed: %s", name)
	case MediaCancelled:
		return fmt.Sprintf("Media job cancelled: %s", name)
	case ShareIssued:
		return fmt.Sprintf("Share link created: %s", name)
	case ServiceToggled:
		if data, ok := ev.Data.(map[string]any); ok {
			if state, _ := data["state"].(string); state != "" {
				return fmt.Sprintf("Service %s turned %s", name, state)
			}
		}
		return fmt.Sprintf("Service toggled: %s", name)
	default:
		return fmt.Sprintf("Event: %s", ev.Type)
	}
}
