package pasv

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	log "github.com/fclairamb/go-log"
)

// listenerState is the lifecycle of a Listener: CLOSED -> INITIALIZING -> LISTENING -> CLOSED.
type listenerState int

const (
	listenerClosed listenerState = iota
	listenerInitializing
	listenerListening
)

// Listener owns one bound TCP listener on one passive port and demultiplexes every accepted
// socket to the right waiting PassiveDataConnection by remote IP. At most one connection may
// wait per remote IP at a time; a second request from the same IP is rejected with a
// synthetic EADDRINUSE so the Pool retries another port.
type Listener struct {
	bindAddr string
	port     int
	logger   log.Logger

	mu      sync.Mutex
	state   listenerState
	ln      net.Listener
	waiting map[string]*PassiveDataConnection
	all     map[*PassiveDataConnection]struct{}
	bindErr error
	bindGen chan struct{} // closed once the in-flight bind attempt (if any) completes
}

func newListener(bindAddr string, port int, logger log.Logger) *Listener {
	return &Listener{
		bindAddr: bindAddr,
		port:     port,
		logger:   logger,
		state:    listenerClosed,
		waiting:  make(map[string]*PassiveDataConnection),
		all:      make(map[*PassiveDataConnection]struct{}),
	}
}

// ListenForClient reserves a PassiveDataConnection for remoteIP on this listener's port,
// binding the underlying socket if needed. It blocks until the listener is confirmed bound
// and listening, returning the connection only once accepting sockets for it is possible.
func (l *Listener) ListenForClient(remoteIP string, opts ConnOptions) (*PassiveDataConnection, error) {
	l.mu.Lock()

	if _, exists := l.waiting[remoteIP]; exists {
		l.mu.Unlock()

		return nil, &ListenerError{Code: CodeAddrInUse, Err: fmt.Errorf("remote %s already has a pending passive connection on port %d", remoteIP, l.port)}
	}

	pdc := newPassiveDataConnection(l.port, remoteIP, opts, l.logger)
	pdc.onRemove = func() { l.removeWaiter(remoteIP, pdc) }
	l.waiting[remoteIP] = pdc
	l.all[pdc] = struct{}{}

	state := l.state

	var gen chan struct{}

	switch state {
	case listenerClosed:
		gen = make(chan struct{})
		l.bindGen = gen
		l.state = listenerInitializing
	case listenerInitializing:
		gen = l.bindGen
	case listenerListening:
		// already bound: nothing to wait for
	}

	l.mu.Unlock()

	if state == listenerClosed {
		go l.bind(gen)
	}

	if state == listenerListening {
		return pdc, nil
	}

	<-gen

	l.mu.Lock()
	err := l.bindErr
	l.mu.Unlock()

	if err != nil {
		// bind() has already destroyed every waiter including this one, pdc.Ready will
		// surface the same error.
		return nil, err
	}

	return pdc, nil
}

func (l *Listener) bind(done chan struct{}) {
	addr := fmt.Sprintf("%s:%d", l.bindAddr, l.port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		bindErr := &ListenerError{Code: classifyBindErr(err), Err: err}

		l.mu.Lock()
		l.state = listenerClosed
		l.bindErr = bindErr
		waiters := l.snapshotWaitersLocked()
		l.waiting = make(map[string]*PassiveDataConnection)
		l.all = make(map[*PassiveDataConnection]struct{})
		l.mu.Unlock()

		close(done)

		for _, w := range waiters {
			if l.logger != nil {
				l.logger.Warn("destroying passive connection: bind failed", "id", w.ID(), "port", l.port)
			}

			w.destroy(bindErr)
		}

		if l.logger != nil {
			l.logger.Warn("could not bind passive listener", "err", err, "port", l.port)
		}

		return
	}

	l.mu.Lock()
	l.ln = ln
	l.state = listenerListening
	l.bindErr = nil
	l.mu.Unlock()

	close(done)

	go l.acceptLoop(ln)
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			if l.ln != ln {
				// already torn down by the last-waiter-left path; nothing more to do
				l.mu.Unlock()

				return
			}

			l.state = listenerClosed
			l.ln = nil
			waiters := l.snapshotWaitersLocked()
			l.waiting = make(map[string]*PassiveDataConnection)
			l.mu.Unlock()

			netErr := fmt.Errorf("pasv: listener accept error: %w", err)
			for _, w := range waiters {
				w.destroy(netErr)
			}

			return
		}

		remoteIP := extractRemoteIP(conn.RemoteAddr())

		l.mu.Lock()
		pdc, ok := l.waiting[remoteIP]
		if ok {
			delete(l.waiting, remoteIP)
		}
		l.mu.Unlock()

		if !ok {
			_ = conn.Close()

			continue
		}

		if l.logger != nil {
			l.logger.Debug("passive connection accepted", "id", pdc.ID(), "port", l.port, "remoteIP", remoteIP)
		}

		pdc.InstallSocket(conn)
	}
}

// removeWaiter drops pdc from both tables and, once waiters reach zero, releases the bound
// socket: the lazy-teardown rule. It's called exactly once per connection, by finish().
func (l *Listener) removeWaiter(remoteIP string, pdc *PassiveDataConnection) {
	l.mu.Lock()

	if cur, ok := l.waiting[remoteIP]; ok && cur == pdc {
		delete(l.waiting, remoteIP)
	}

	delete(l.all, pdc)

	var toClose net.Listener

	if len(l.waiting) == 0 && l.state == listenerListening {
		toClose = l.ln
		l.ln = nil
		l.state = listenerClosed
	}

	l.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
	}
}

func (l *Listener) snapshotWaitersLocked() []*PassiveDataConnection {
	out := make([]*PassiveDataConnection, 0, len(l.waiting))
	for _, w := range l.waiting {
		out = append(out, w)
	}

	return out
}

func classifyBindErr(err error) ErrorCode {
	if errors.Is(err, syscall.EADDRINUSE) {
		return CodeAddrInUse
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.EADDRINUSE) {
			return CodeAddrInUse
		}
	}

	return CodeOther
}

// extractRemoteIP returns the dotted-quad IPv4 address of addr, unwrapping an IPv4-mapped
// IPv6 form (e.g. "::ffff:127.0.0.1") by keeping its last dotted quad.
func extractRemoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}

	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}

	return ip.String()
}
