package pasv

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/fclairamb/go-log"

	"github.com/flowline-sh/ftpserver/tlsutil"
)

// PassiveDataConnection is a single pending or live passive transfer endpoint. It's created
// by a Listener in response to a ListenForClient call, arms a wait timer immediately, and
// becomes either a live socket (once the expected client dials in) or an error (timeout,
// listener bind failure, or an explicit Close).
//
// port and remoteIP are immutable identity, fixed at construction.
type PassiveDataConnection struct {
	id       string
	port     int
	remoteIP string
	opts     ConnOptions
	logger   log.Logger

	mu    sync.Mutex
	state State
	conn  net.Conn
	err   error

	timer     *time.Timer
	done      chan struct{}
	closeOnce sync.Once

	// onRemove is set by the owning Listener so it can drop this connection from its
	// waiter/all-connections tables whenever it leaves play, whichever way that happens.
	onRemove func()
}

func newPassiveDataConnection(port int, remoteIP string, opts ConnOptions, logger log.Logger) *PassiveDataConnection {
	p := &PassiveDataConnection{
		id:       newID(),
		port:     port,
		remoteIP: remoteIP,
		opts:     opts,
		logger:   logger,
		state:    StateWaiting,
		done:     make(chan struct{}),
	}

	p.timer = time.AfterFunc(opts.waitTimeout(), p.onWaitTimeout)

	return p
}

// ID returns the stable trace id assigned to this connection at creation, for correlating log
// lines across the Pool/Listener/session boundary.
func (p *PassiveDataConnection) ID() string { return p.id }

// Port is the TCP port this connection was reserved on.
func (p *PassiveDataConnection) Port() int { return p.port }

// RemoteIP is the client IP this connection is reserved for.
func (p *PassiveDataConnection) RemoteIP() string { return p.remoteIP }

// State returns the current lifecycle state.
func (p *PassiveDataConnection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

func (p *PassiveDataConnection) onWaitTimeout() {
	p.mu.Lock()
	if p.state != StateWaiting {
		p.mu.Unlock()

		return
	}

	p.state = StateClosed
	p.err = ErrWaitTimeout
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Info("passive connection timed out waiting for client", "id", p.id, "port", p.port, "remoteIP", p.remoteIP)
	}

	p.finish()
}

// InstallSocket is called at most once by the owning Listener's accept loop, once it has
// demultiplexed an accepted socket to this connection's (port, remoteIP) key.
func (p *PassiveDataConnection) InstallSocket(raw net.Conn) {
	p.mu.Lock()
	if p.state != StateWaiting {
		p.mu.Unlock()
		_ = raw.Close()

		return
	}

	p.timer.Stop()

	if !p.opts.UseTLS {
		p.conn = raw
		p.state = StateReady
		p.mu.Unlock()

		if p.logger != nil {
			p.logger.Debug("passive connection ready", "id", p.id, "port", p.port, "remoteIP", p.remoteIP)
		}

		p.finish()

		return
	}

	p.state = StateInitializingTLS
	p.mu.Unlock()

	tlsConn, authorized, err := tlsutil.Upgrade(raw, p.opts.TLSConfig, nil, p.opts.AllowUnauthorizedTLS)

	p.mu.Lock()
	if err != nil {
		p.state = StateClosed
		p.err = err
		p.mu.Unlock()

		if p.logger != nil {
			p.logger.Warn("passive TLS handshake failed", "id", p.id, "err", err, "remoteIP", p.remoteIP)
		}

		p.finish()

		return
	}

	p.conn = tlsConn
	p.state = StateReady
	_ = authorized
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Debug("passive TLS connection ready", "id", p.id, "port", p.port, "remoteIP", p.remoteIP, "authorized", authorized)
	}

	p.finish()
}

// destroy is used internally by a Listener when it fails to bind (or fails after binding)
// before this connection ever reached READY: the spec's "listenerError" event.
func (p *PassiveDataConnection) destroy(err error) {
	p.mu.Lock()
	if p.state == StateReady || p.state == StateClosed {
		p.mu.Unlock()

		return
	}

	p.timer.Stop()
	p.state = StateClosed
	p.err = err
	p.mu.Unlock()

	p.finish()
}

// Ready blocks until the client has dialed in, the wait timer has expired, the owning
// Listener has failed to bind or serve, or the connection was explicitly closed.
func (p *PassiveDataConnection) Ready(ctx context.Context) (net.Conn, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateReady {
		if p.err != nil {
			return nil, p.err
		}

		return nil, ErrClosed
	}

	return p.conn, nil
}

// Close transitions to CLOSED idempotently, closing the live socket if one was installed.
func (p *PassiveDataConnection) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()

		return nil
	}

	p.timer.Stop()
	conn := p.conn
	p.state = StateClosed

	if p.err == nil {
		p.err = ErrClosed
	}

	p.mu.Unlock()

	p.finish()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// finish fires the removal hook exactly once and unblocks any Ready waiters.
func (p *PassiveDataConnection) finish() {
	p.closeOnce.Do(func() {
		if p.onRemove != nil {
			p.onRemove()
		}

		close(p.done)
	})
}
