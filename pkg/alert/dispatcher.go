package alert

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// Dispatcher fans one message out to every configured channel.
type Dispatcher struct {
	channels []Channel
	log      *logrus.Entry
}

// NewDispatcher builds the enabled channels from config. A dispatcher with
// no channels is valid and delivers nothing.
func NewDispatcher(config types.AlertsConfig) (*Dispatcher, error) {
	var channels []Channel

	if config.Email != nil && config.Email.Enabled {
		ch, err := NewEmailChannel(*config.Email, config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		channels = append(channels, ch)
	}

	for _, wh := range config.Webhooks {
		if !wh.Enabled {
			continue
		}
		ch, err := NewWebhookChannel(wh)
		if err != nil {
			return nil, fmt.Errorf("webhook %q: %w", wh.Name, err)
		}
		channels = append(channels, ch)
	}

	if config.NATS != nil && config.NATS.Enabled {
		ch, err := NewNATSChannel(*config.NATS, config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("nats channel: %w", err)
		}
		channels = append(channels, ch)
	}

	return NewDispatcherWithChannels(channels...), nil
}

// NewDispatcherWithChannels creates a dispatcher over the given channels.
func NewDispatcherWithChannels(channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		log:      logger.ForComponent("alert"),
	}
}

// Channels returns the configured channels in delivery-result order.
func (d *Dispatcher) Channels() []Channel {
	return d.channels
}

// Dispatch formats breaches into one message and sends it to all channels
// concurrently, each bounded by its own budget. It returns one result per
// channel in channel order, or nil when there is nothing to send. A failed
// channel never affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, breaches []types.Breach, info CycleInfo) []types.DeliveryResult {
	if len(breaches) == 0 || len(d.channels) == 0 {
		return nil
	}

	msg := Format(breaches, info)
	results := make([]types.DeliveryResult, len(d.channels))

	var wg sync.WaitGroup
	for i, ch := range d.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	for _, r := range results {
		entry := d.log.WithField(logger.FieldChannel, r.Channel).WithField("attempts", r.Attempts)
		if r.Success {
			entry.Infof("Alert delivered in %v", r.Duration)
		} else {
			entry.WithError(r.Error).Error("Alert delivery failed")
		}
	}
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) (result types.DeliveryResult) {
	start := time.Now()
	result = types.DeliveryResult{Channel: ch.Name(), Type: ch.Type()}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = &types.DeliveryError{Channel: ch.Name(), Err: fmt.Errorf("panic during delivery: %v", r)}
		}
		result.Duration = time.Since(start)
	}()

	cctx := ctx
	if budget := ch.Budget(); budget > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	attempts, err := ch.Send(cctx, msg)
	result.Attempts = attempts
	result.Success = err == nil
	result.Error = err
	return result
}

// Close releases channel connections.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, ch := range d.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
