// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrRemoteAddrFormat is returned when the remote address has a bad format
var ErrRemoteAddrFormat = errors.New("remote address has a bad format")

func (c *clientHandler) handlePORT(param string) error {
	if c.server.settings.DisableActiveMode {
		c.writeMessage(StatusServiceNotAvailable, "PORT command is disabled")

		return nil
	}

	if c.dataChannelState() != dataChannelNone {
		c.writeMessage(StatusBadCommandSequence, "PASV/PORT is exclusive, finish the current transfer first")

		return nil
	}

	var (
		raddr *net.TCPAddr
		err   error
	)

	if c.GetLastCommand() == "EPRT" {
		raddr, err = parseEPRTAddr(param)
	} else {
		raddr, err = parseRemoteAddr(param)
	}

	if err != nil {
		if errors.Is(err, errUnsupportedAddressFamily) {
			c.writeMessage(StatusNetworkProtocolNotSupported, err.Error())
		} else {
			c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Problem parsing %s: %v", c.GetLastCommand(), err))
		}

		return nil
	}

	var tlsConfig *tls.Config

	if c.transferTLS || c.server.settings.TLSRequired == ImplicitEncryption {
		tlsConfig, err = c.server.driver.GetTLSConfig()
		if err != nil {
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Cannot get a TLS config for active connection: %v", err))

			return nil
		}
	}

	c.setDataChannelState(dataChannelActive)

	c.transferMu.Lock()
	c.transfer = &activeTransferHandler{
		raddr:     raddr,
		settings:  c.server.settings,
		tlsConfig: tlsConfig,
	}
	c.transferMu.Unlock()

	c.writeMessage(StatusOK, fmt.Sprintf("%s command successful", c.GetLastCommand()))

	return nil
}

// Active connection
type activeTransferHandler struct {
	raddr     *net.TCPAddr // Remote address of the client
	conn      net.Conn     // Connection used to connect to him
	settings  *Settings    // Settings
	tlsConfig *tls.Config  // not nil if the active connection requires TLS
	info      string
}

func (a *activeTransferHandler) Open() (net.Conn, error) {
	timeout := time.Duration(time.Second.Nanoseconds() * int64(a.settings.ConnectionTimeout))
	dialer := &net.Dialer{Timeout: timeout}

	if !a.settings.ActiveTransferPortNon20 {
		dialer.LocalAddr, _ = net.ResolveTCPAddr("tcp", ":20")
	}
	// TODO(mgenov): support dialing with timeout
	// Issues:
	//	https://github.com/golang/go/issues/3097
	// 	https://github.com/golang/go/issues/4842
	conn, err := dialer.Dial("tcp", a.raddr.String())

	if err != nil {
		return nil, fmt.Errorf("could not establish active connection: %w", err)
	}

	if a.tlsConfig != nil {
		conn = tls.Server(conn, a.tlsConfig)
	}

	// keep connection as it will be closed by Close()
	a.conn = conn

	return a.conn, nil
}

// Close closes only if connection is established
func (a *activeTransferHandler) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}

	return nil
}

func (a *activeTransferHandler) GetInfo() string {
	return a.info
}

func (a *activeTransferHandler) SetInfo(info string) {
	a.info = info
}

var remoteAddrRegex = regexp.MustCompile(`^([0-9]{1,3},){5}[0-9]{1,3}$`)

// parseRemoteAddr parses remote address of the client from param. This address
// is used for establishing a connection with the client.
//
// Param Format: 192,168,150,80,14,178
// Host: 192.168.150.80
// Port: (14 * 256) + 148
func parseRemoteAddr(param string) (*net.TCPAddr, error) {
	if !remoteAddrRegex.Match([]byte(param)) {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	params := strings.Split(param, ",")

	ip := strings.Join(params[0:4], ".")

	port, err := parsePortOctets(params[4], params[5])
	if err != nil {
		return nil, err
	}

	return resolveAddrPort(ip, port)
}

// errUnsupportedAddressFamily is returned for any EPRT address family other than 1 (IPv4),
// the only one this server supports on the data channel.
var errUnsupportedAddressFamily = errors.New("unsupported network protocol")

var eprtRegex = regexp.MustCompile(`^\|([0-9])\|([^|]*)\|([^|]*)\|$`)

// parseEPRTAddr parses an RFC 2428 EPRT parameter of the form |<family>|<addr>|<port>|.
// Only family 1 (IPv4) is supported; family 2 (IPv6) is explicitly rejected.
func parseEPRTAddr(param string) (*net.TCPAddr, error) {
	matches := eprtRegex.FindStringSubmatch(param)
	if matches == nil {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	family := matches[1]
	host := matches[2]
	portStr := matches[3]

	if family == "2" {
		return nil, fmt.Errorf("%w: address family 2 (IPv6)", errUnsupportedAddressFamily)
	}

	if family != "1" {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range: %w", port, ErrRemoteAddrFormat)
	}

	return resolveAddrPort(ip.String(), port)
}

func parsePortOctets(p1Str, p2Str string) (int, error) {
	p1, err := strconv.Atoi(p1Str)
	if err != nil {
		return 0, err
	}

	p2, err := strconv.Atoi(p2Str)
	if err != nil {
		return 0, err
	}

	port := p1<<8 + p2

	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range: %w", port, ErrRemoteAddrFormat)
	}

	return port, nil
}

func resolveAddrPort(ip string, port int) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", ip, port))
}
