package fleet

import (
	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/log"
)

// StateChangeEvent reports one device session state change.
type StateChangeEvent struct {
	Device   string
	Previous lifecycle.State
	Current  lifecycle.State
	Reason   string
}

// EventHandler receives device state changes. It is called synchronously
// from the goroutine that changed the state and should return quickly.
type EventHandler interface {
	OnStateChange(event StateChangeEvent)
}

// Option configures optional behavior of an Orchestrator.
type Option func(*options)

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	plugins      []Plugin
}

// WithLogger sets the logger for the orchestrator and every session it
// creates. If not provided, nothing is logged.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventHandler sets a handler for device state changes.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when the orchestrator starts.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// deviceEmitter adapts EventHandler to lifecycle.EventEmitter for one device.
type deviceEmitter struct {
	device  string
	handler EventHandler
}

func (e deviceEmitter) OnStateChange(previous, current lifecycle.State, reason string) {
	e.handler.OnStateChange(StateChangeEvent{
		Device:   e.device,
		Previous: previous,
		Current:  current,
		Reason:   reason,
	})
}
