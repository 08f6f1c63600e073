// Package bms talks to a JBD-style battery management system over BLE.
//
// A Link connects to the device, subscribes to its notify characteristic and
// exposes every notification as a frame.RawFrame on a bounded channel. It does
// not interpret frames; that is the job of the frame package.
package bms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/frame"
	"github.com/srg/bmsd/internal/groutine"
)

// ErrNotConnected is returned by operations on a link that is not connected.
var ErrNotConnected = errors.New("not connected")

// DeviceFactory creates the host BLE device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

var (
	sharedDevice   ble.Device
	sharedDeviceMu sync.Mutex
)

// hostDevice opens the host adapter once per process; HCI sockets and the
// CoreBluetooth manager cannot be opened twice.
func hostDevice() (ble.Device, error) {
	sharedDeviceMu.Lock()
	defer sharedDeviceMu.Unlock()

	if sharedDevice != nil {
		return sharedDevice, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	sharedDevice = dev
	return dev, nil
}

// resetHostDevice forgets the cached adapter, used by tests that swap DeviceFactory
func resetHostDevice() {
	sharedDeviceMu.Lock()
	defer sharedDeviceMu.Unlock()
	sharedDevice = nil
}

// ConnectOptions configures the BLE link
type ConnectOptions struct {
	Address        string
	ConnectTimeout time.Duration
	// Retries after a failed initial connect, each preceded by RetryDelay
	Retries    int
	RetryDelay time.Duration
	QueueSize  int

	ServiceUUID ble.UUID
	NotifyUUID  ble.UUID
	WriteUUID   ble.UUID
}

// DefaultConnectOptions returns the JBD layout with one retry after 10s
func DefaultConnectOptions(address string) ConnectOptions {
	return ConnectOptions{
		Address:        address,
		ConnectTimeout: 30 * time.Second,
		Retries:        1,
		RetryDelay:     10 * time.Second,
		QueueSize:      32,
		ServiceUUID:    ServiceUUID,
		NotifyUUID:     NotifyUUID,
		WriteUUID:      WriteUUID,
	}
}

// Link is a live BLE connection to one BMS.
type Link struct {
	opts   ConnectOptions
	logger *logrus.Logger

	connMutex  sync.RWMutex
	writeMutex sync.Mutex
	client     ble.Client
	notifyChar *ble.Characteristic
	writeChar  *ble.Characteristic
	connected  bool

	frames   *RingChannel[frame.RawFrame]
	seq      atomic.Uint64
	done     chan struct{}
	doneOnce sync.Once
}

// NewLink creates an unconnected link.
func NewLink(opts ConnectOptions, logger *logrus.Logger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	return &Link{
		opts:   opts,
		logger: logger,
		frames: NewRingChannel[frame.RawFrame](opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the device, retrying opts.Retries times after opts.RetryDelay.
// The last error is returned when every attempt fails.
func (l *Link) Connect(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= l.opts.Retries; attempt++ {
		if attempt > 0 {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"address": l.opts.Address,
				"retry_in": l.opts.RetryDelay,
			}).Warn("BMS connect failed, retrying")

			select {
			case <-time.After(l.opts.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = l.connect(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (l *Link) connect(ctx context.Context) error {
	l.connMutex.Lock()
	defer l.connMutex.Unlock()

	if l.connected {
		return fmt.Errorf("already connected")
	}

	dev, err := hostDevice()
	if err != nil {
		return err
	}

	l.logger.WithField("address", l.opts.Address).Info("Connecting to BMS...")

	connectCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(connectCtx, ble.NewAddr(l.opts.Address))
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	notifyChar, writeChar, err := l.locate(profile)
	if err != nil {
		_ = client.CancelConnection()
		return err
	}

	if err := client.Subscribe(notifyChar, false, l.handleNotification); err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to subscribe to notify characteristic: %w", err)
	}

	l.client = client
	l.notifyChar = notifyChar
	l.writeChar = writeChar
	l.connected = true

	l.monitor(client)

	l.logger.WithField("address", l.opts.Address).Info("BMS connected")
	return nil
}

// locate finds the notify and write characteristics of the BMS service
func (l *Link) locate(profile *ble.Profile) (notify, write *ble.Characteristic, err error) {
	var svc *ble.Service
	for _, s := range profile.Services {
		if s.UUID.Equal(l.opts.ServiceUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, nil, fmt.Errorf("BMS service %s not found", l.opts.ServiceUUID)
	}

	for _, c := range svc.Characteristics {
		switch {
		case c.UUID.Equal(l.opts.NotifyUUID):
			notify = c
		case c.UUID.Equal(l.opts.WriteUUID):
			write = c
		}
	}
	if notify == nil {
		return nil, nil, fmt.Errorf("notify characteristic %s not found", l.opts.NotifyUUID)
	}
	if write == nil {
		return nil, nil, fmt.Errorf("write characteristic %s not found", l.opts.WriteUUID)
	}
	return notify, write, nil
}

// monitor closes Done when the platform reports the link gone.
func (l *Link) monitor(client ble.Client) {
	watcher, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not report disconnection")
		return
	}

	groutine.Go(context.Background(), "bms-connection-monitor", func(context.Context) {
		select {
		case <-watcher.Disconnected():
			l.logger.WithField("address", l.opts.Address).Warn("BMS disconnected")
			l.markDisconnected()
		case <-l.done:
		}
	})
}

func (l *Link) markDisconnected() {
	l.connMutex.Lock()
	l.connected = false
	l.connMutex.Unlock()
	l.doneOnce.Do(func() { close(l.done) })
}

// Write sends a request without waiting for a write response.
func (l *Link) Write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.connMutex.RLock()
	connected, client, char := l.connected, l.client, l.writeChar
	l.connMutex.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	if err := client.WriteCharacteristic(char, payload, true); err != nil {
		return fmt.Errorf("failed to write request % x: %w", payload, err)
	}

	l.logger.WithField("bytes", len(payload)).Debug("Wrote request")
	return nil
}

// Frames delivers notifications in arrival order. When the reader falls
// behind the oldest frames are dropped.
func (l *Link) Frames() <-chan frame.RawFrame {
	return l.frames.C()
}

// Drain discards notifications still queued and returns how many there were.
func (l *Link) Drain() int {
	return l.frames.Drain()
}

// Done is closed once the link is lost or disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Dropped returns the number of notifications discarded because the reader
// fell behind.
func (l *Link) Dropped() int64 {
	return l.frames.Overwritten()
}

// Disconnect tears the connection down. It is safe to call more than once.
func (l *Link) Disconnect() error {
	l.connMutex.Lock()
	client, connected := l.client, l.connected
	l.connected = false
	l.connMutex.Unlock()

	defer l.doneOnce.Do(func() { close(l.done) })

	if client == nil || !connected {
		return nil
	}

	if err := client.ClearSubscriptions(); err != nil {
		l.logger.WithError(err).Debug("Failed to clear subscriptions")
	}
	if err := client.CancelConnection(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	l.logger.WithField("address", l.opts.Address).Info("BMS disconnected")
	return nil
}

// handleNotification copies and stamps the payload; the BLE stack reuses it.
func (l *Link) handleNotification(data []byte) {
	raw := frame.RawFrame{
		Data: append([]byte(nil), data...),
		At:   time.Now(),
		Seq:  l.seq.Add(1),
	}

	if l.frames.Send(raw) {
		l.logger.WithField("seq", raw.Seq).Debug("Notification queue full, oldest frame dropped")
	}

	l.logger.WithFields(logrus.Fields{
		"seq":   raw.Seq,
		"bytes": len(raw.Data),
	}).Trace("Notification received")
}
