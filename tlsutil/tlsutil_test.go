package tlsutil

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestUpgradeHandshake(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	config := selfSignedConfig(t)

	done := make(chan struct{})

	var (
		upgraded   net.Conn
		authorized bool
		upErr      error
	)

	go func() {
		upgraded, authorized, upErr = Upgrade(serverConn, config, nil, true)
		close(done)
	}()

	clientTLSConn := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec

	require.NoError(t, clientTLSConn.Handshake())
	<-done

	require.NoError(t, upErr)
	require.False(t, authorized)
	require.NotNil(t, upgraded)
}

func TestBufferedPrefix(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("hello world"))

	_, err := r.Peek(5)
	require.NoError(t, err)

	prefix := BufferedPrefix(r)
	require.Equal(t, "hello world", string(prefix))
}

func TestBufferedPrefixEmpty(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString(""))
	require.Nil(t, BufferedPrefix(r))
}

func TestPrefixConnReplaysBeforeUnderlying(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	pc := &prefixConn{Conn: serverConn, prefix: []byte("buffered")}

	buf := make([]byte, 4)
	n, err := pc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "buff", string(buf[:n]))

	n, err = pc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ered", string(buf[:n]))
}
