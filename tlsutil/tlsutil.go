// Package tlsutil wraps a plaintext byte stream in a server-side TLS session without
// losing bytes that were already buffered ahead of the raw connection.
package tlsutil

import (
	"crypto/tls"
	"errors"
	"net"
)

// ErrUnauthorized is returned by Upgrade when the peer certificate could not be verified
// and the caller did not allow unauthorized TLS sessions.
var ErrUnauthorized = errors.New("tlsutil: peer certificate not verified")

// Upgrade performs a server-side TLS handshake over conn and returns the decrypted
// channel. prefix holds any plaintext bytes already read from conn (e.g. buffered by a
// bufio.Reader ahead of the handshake) and is replayed to the TLS layer before conn
// itself is read again, so nothing queued between a protocol reply and the handshake is
// lost. On handshake failure conn is closed and the error is returned. When the peer
// certificate can't be verified, the session is accepted only if allowUnauthorized is
// true; otherwise conn is closed and ErrUnauthorized is returned.
func Upgrade(conn net.Conn, config *tls.Config, prefix []byte, allowUnauthorized bool) (net.Conn, bool, error) {
	wrapped := conn
	if len(prefix) > 0 {
		wrapped = &prefixConn{Conn: conn, prefix: prefix}
	}

	tlsConn := tls.Server(wrapped, config)

	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()

		return nil, false, err
	}

	authorized := len(tlsConn.ConnectionState().PeerCertificates) > 0

	if !authorized && !allowUnauthorized {
		_ = tlsConn.Close()

		return nil, false, ErrUnauthorized
	}

	return tlsConn, authorized, nil
}

// prefixConn replays a buffered prefix before resuming reads from the underlying conn.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]

		return n, nil
	}

	return p.Conn.Read(b)
}

// BufferedPrefix drains any bytes already buffered in r beyond what has been consumed,
// without blocking on the network. It's used ahead of an AUTH TLS handshake so bytes the
// client raced in right after the command aren't silently dropped.
func BufferedPrefix(r interface {
	Buffered() int
	Peek(int) ([]byte, error)
}) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}

	buf, err := r.Peek(n)
	if err != nil {
		return nil
	}

	out := make([]byte, len(buf))
	copy(out, buf)

	return out
}
