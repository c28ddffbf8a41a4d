// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
)

var _ Listener = (*SerialDialer)(nil)

// SerialConfig configures a SerialDialer.
type SerialConfig struct {
	// Paths are the hypervisor's serial chardev sockets, one per VM
	// (QEMU "-chardev socket,server=on", libvirt "<serial type='unix'>").
	Paths []string

	// Redial is the pause between a failed or dropped link and the
	// next dial. Defaults to 2s.
	Redial time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// SerialDialer presents VM serial channels as a Listener. It keeps at
// most one link open per path: it dials, hands the link to Accept,
// waits for the link to be closed, pauses, and dials again. A VM that
// is not running yet simply fails to dial until it is.
type SerialDialer struct {
	paths  []string
	redial time.Duration
	clock  clock.Clock
	logger *slog.Logger
	dialer UnixDialer

	links     chan net.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSerialDialer creates a dialer. Dialing starts on the first Accept.
func NewSerialDialer(config SerialConfig) *SerialDialer {
	ctx, cancel := context.WithCancel(context.Background())
	dialer := &SerialDialer{
		paths:  config.Paths,
		redial: config.Redial,
		clock:  config.Clock,
		logger: config.Logger,
		dialer: UnixDialer{Timeout: 5 * time.Second},
		links:  make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	if dialer.redial <= 0 {
		dialer.redial = 2 * time.Second
	}
	if dialer.clock == nil {
		dialer.clock = clock.Real()
	}
	if dialer.logger == nil {
		dialer.logger = slog.Default()
	}
	return dialer
}

// Accept returns the next established serial link.
func (d *SerialDialer) Accept(ctx context.Context) (net.Conn, error) {
	d.startOnce.Do(func() {
		if d.ctx.Err() != nil {
			return
		}
		for _, path := range d.paths {
			d.wg.Add(1)
			go d.maintain(path)
		}
	})
	select {
	case link := <-d.links:
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Address lists the serial socket paths.
func (d *SerialDialer) Address() string {
	return "serial:" + strings.Join(d.paths, ",")
}

// Close stops dialing. Links already handed out stay open; closing
// them is the owner's job.
func (d *SerialDialer) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
	return nil
}

// maintain keeps one link to path alive until Close.
func (d *SerialDialer) maintain(path string) {
	defer d.wg.Done()
	logger := d.logger.With("serial_socket", path)
	failing := false
	for {
		conn, err := d.dialer.DialContext(d.ctx, path)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			// Log the first failure of a run loudly; a stopped VM
			// would otherwise flood the log every redial.
			if !failing {
				logger.Warn("serial socket unavailable, will keep redialing",
					"redial", d.redial,
					"error", err,
				)
				failing = true
			} else {
				logger.Debug("serial redial failed", "error", err)
			}
			if !d.pause() {
				return
			}
			continue
		}
		failing = false

		link := &serialLink{Conn: conn, closed: make(chan struct{})}
		select {
		case d.links <- link:
		case <-d.ctx.Done():
			conn.Close()
			return
		}
		logger.Info("serial link established")

		select {
		case <-link.closed:
		case <-d.ctx.Done():
			return
		}
		logger.Info("serial link closed", "redial", d.redial)
		if !d.pause() {
			return
		}
	}
}

func (d *SerialDialer) pause() bool {
	select {
	case <-d.clock.After(d.redial):
		return true
	case <-d.ctx.Done():
		return false
	}
}

// serialLink reports its own closing so the dialer knows when to redial.
type serialLink struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (l *serialLink) Close() error {
	err := l.Conn.Close()
	l.once.Do(func() { close(l.closed) })
	return err
}
