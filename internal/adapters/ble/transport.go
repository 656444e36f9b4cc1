// Package ble implements link.Transport over the host Bluetooth adapter
// using tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/link"
	"github.com/bft-labs/camfleet/pkg/log"
)

var (
	// ErrNotFound is returned when no advertisement for the device is seen
	// before the context ends.
	ErrNotFound = errors.New("ble: device not found")

	// ErrNoCharacteristic is returned for a uuid the device does not expose.
	ErrNoCharacteristic = errors.New("ble: characteristic not found")
)

// Transport connects to cameras by their advertised name. The adapter only
// runs one scan at a time, so discovery is serialized; connections themselves
// may overlap.
type Transport struct {
	adapter *bluetooth.Adapter
	logger  log.Logger

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	mu    sync.Mutex
	known map[string]bluetooth.Address
}

// New returns a Transport over adapter. A nil adapter uses the system default.
func New(adapter *bluetooth.Adapter, logger log.Logger) *Transport {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &Transport{
		adapter: adapter,
		logger:  log.OrNoop(logger),
		known:   make(map[string]bluetooth.Address),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		t.enableErr = t.adapter.Enable()
	})
	return t.enableErr
}

// Connect implements link.Transport.
func (t *Transport) Connect(ctx context.Context, id string) (link.Handle, error) {
	if err := t.enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	addr, err := t.discover(ctx, id)
	if err != nil {
		return nil, err
	}

	dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		// The address may have rotated; scan again next time.
		t.forget(id)
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}

	chars, err := characteristics(dev)
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("discover %s: %w", id, err)
	}
	t.logger.Debug("ble connected",
		log.Device(id),
		log.String("address", addr.String()),
		log.Int("characteristics", len(chars)))

	return &conn{dev: dev, chars: chars}, nil
}

// discover returns the address of id, scanning if it has not been seen.
func (t *Transport) discover(ctx context.Context, id string) (bluetooth.Address, error) {
	t.mu.Lock()
	addr, ok := t.known[id]
	t.mu.Unlock()
	if ok {
		return addr, nil
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	// Another caller's scan may have found it.
	t.mu.Lock()
	addr, ok = t.known[id]
	t.mu.Unlock()
	if ok {
		return addr, nil
	}

	var (
		found bool
		done  = make(chan error, 1)
	)
	go func() {
		done <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			seen, ok := IDFromName(r.LocalName())
			if !ok {
				return
			}
			t.mu.Lock()
			t.known[seen] = r.Address
			t.mu.Unlock()
			if seen == id {
				found = true
				addr = r.Address
				_ = a.StopScan()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return addr, fmt.Errorf("scan: %w", err)
		}
		if !found {
			return addr, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return addr, nil
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		<-done
		if found {
			return addr, nil
		}
		return addr, fmt.Errorf("%w: %s: %w", ErrNotFound, id, ctx.Err())
	}
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.known, id)
	t.mu.Unlock()
}

// IDFromName extracts the device identifier from an advertised name.
func IDFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, gopro.NamePrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(name, gopro.NamePrefix))
	return id, id != ""
}

func characteristics(dev bluetooth.Device) (map[string]bluetooth.DeviceCharacteristic, error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	chars := make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range services {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, c := range found {
			chars[normalize(c.UUID().String())] = c
		}
	}
	for _, ch := range gopro.Channels() {
		if _, ok := chars[normalize(ch.Write)]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoCharacteristic, ch.Write)
		}
	}
	return chars, nil
}

func normalize(uuid string) string {
	return strings.ToLower(uuid)
}

// conn is one open BLE connection.
type conn struct {
	dev   bluetooth.Device
	chars map[string]bluetooth.DeviceCharacteristic

	// Writes to one device are serialized by the adapter anyway.
	writeMu sync.Mutex
}

func (c *conn) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	ch, ok := c.chars[normalize(uuid)]
	if !ok {
		return ch, fmt.Errorf("%w: %s", ErrNoCharacteristic, uuid)
	}
	return ch, nil
}

func (c *conn) Write(ctx context.Context, uuid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = ch.WriteWithoutResponse(data)
	return err
}

func (c *conn) Subscribe(uuid string, fn func([]byte)) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(func(buf []byte) {
		// The buffer is reused by the stack after the callback returns.
		fn(append([]byte(nil), buf...))
	})
}

func (c *conn) Disconnect() error {
	return c.dev.Disconnect()
}
