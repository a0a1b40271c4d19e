package pasv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/fclairamb/go-log"
)

// ErrNoFreePort is returned by CreateDataConnection when every port in the configured range
// is currently bound and refusing new waiters.
var ErrNoFreePort = errors.New("pasv: no free port in configured range")

// Pool allocates passive ports out of a fixed [minPort, maxPort] range, sharing one Listener
// per port across every session that happens to land on it. A Pool is safe for concurrent use
// by every control connection a server is handling.
type Pool struct {
	bindAddr string
	minPort  int
	maxPort  int
	logger   log.Logger

	mu        sync.Mutex
	listeners map[int]*Listener
	next      int // next port to try first, round-robins across CreateDataConnection calls
}

// NewPool builds a Pool serving passive ports in [minPort, maxPort] on bindAddr. bindAddr is
// normally the server's listening IP, or "" to bind all interfaces.
func NewPool(bindAddr string, minPort, maxPort int, logger log.Logger) *Pool {
	return &Pool{
		bindAddr:  bindAddr,
		minPort:   minPort,
		maxPort:   maxPort,
		logger:    logger,
		listeners: make(map[int]*Listener),
		next:      minPort,
	}
}

func (p *Pool) getOrCreateListener(port int) *Listener {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.listeners[port]; ok {
		return l
	}

	l := newListener(p.bindAddr, port, p.logger)
	p.listeners[port] = l

	return l
}

// CreateDataConnection reserves a passive port for remoteIP, trying each port in the pool's
// range starting from a rotating cursor. A port already in use by another remote IP's pending
// connection (CodeAddrInUse) is skipped and the next one is tried; any other bind failure is
// returned immediately. It returns the reserved connection and the port it landed on.
func (p *Pool) CreateDataConnection(ctx context.Context, remoteIP string, opts ConnOptions) (*PassiveDataConnection, int, error) {
	p.mu.Lock()
	start := p.next
	p.mu.Unlock()

	span := p.maxPort - p.minPort + 1
	if span <= 0 {
		return nil, 0, fmt.Errorf("pasv: invalid port range [%d, %d]", p.minPort, p.maxPort)
	}

	var lastErr error

	for i := 0; i < span; i++ {
		port := p.minPort + (start-p.minPort+i)%span

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		default:
		}

		l := p.getOrCreateListener(port)

		pdc, err := l.ListenForClient(remoteIP, opts)
		if err == nil {
			p.mu.Lock()
			p.next = port + 1
			if p.next > p.maxPort {
				p.next = p.minPort
			}
			p.mu.Unlock()

			if p.logger != nil {
				p.logger.Debug("passive connection reserved", "id", pdc.ID(), "port", port, "remoteIP", remoteIP)
			}

			return pdc, port, nil
		}

		var lerr *ListenerError
		if errors.As(err, &lerr) && lerr.Code == CodeAddrInUse {
			lastErr = err

			continue
		}

		return nil, 0, err
	}

	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoFreePort, lastErr)
	}

	return nil, 0, ErrNoFreePort
}

// PortRange reports the configured [min, max] passive port range.
func (p *Pool) PortRange() (int, int) {
	return p.minPort, p.maxPort
}
