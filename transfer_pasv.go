// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/flowline-sh/ftpserver/pasv"
)

// Active/Passive transfer connection handler
type transferHandler interface {
	// Get the connection to transfer data on
	Open() (net.Conn, error)

	// Close the connection (and any associated resource)
	Close() error

	// Set info about the transfer to return in STAT response
	SetInfo(string)
	// Info about the transfer to return in STAT response
	GetInfo() string
}

// passiveTransferHandler adapts a reserved pasv.PassiveDataConnection to the transferHandler
// interface the rest of the control connection deals with.
type passiveTransferHandler struct {
	pdc     *pasv.PassiveDataConnection
	onReady func() // promotes the owning session's data channel state to "ready"
	info    string
}

func (p *passiveTransferHandler) Open() (net.Conn, error) {
	conn, err := p.pdc.Ready(context.Background())
	if err != nil {
		return nil, err
	}

	if p.onReady != nil {
		p.onReady()
	}

	return conn, nil
}

func (p *passiveTransferHandler) Close() error {
	return p.pdc.Close()
}

func (p *passiveTransferHandler) GetInfo() string {
	if p.info == "" {
		return ""
	}

	return fmt.Sprintf("%s [%s]", p.info, p.pdc.ID())
}

func (p *passiveTransferHandler) SetInfo(info string) {
	p.info = info
}

func (c *clientHandler) getCurrentIP() ([]string, error) {
	// Provide our external IP address so the ftp client can connect back to us
	ip := c.server.settings.PublicHost

	// If we don't have an IP address, we can take the one that was used for the current connection
	if ip == "" {
		// Defer to the user-provided resolver.
		if c.server.settings.PublicIPResolver != nil {
			var err error
			ip, err = c.server.settings.PublicIPResolver(c)

			if err != nil {
				return nil, fmt.Errorf("couldn't fetch public IP: %w", err)
			}
		} else {
			ip = strings.Split(c.conn.LocalAddr().String(), ":")[0]
		}
	}

	return strings.Split(ip, "."), nil
}

// remoteHost extracts the dotted-quad IPv4 address a remote socket connected from, the key
// the passive listener pool demultiplexes incoming data sockets by.
func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}

		return ip.String()
	}

	return host
}

func (c *clientHandler) handlePASV(param string) error {
	if c.dataChannelState() != dataChannelNone {
		c.writeMessage(StatusBadCommandSequence, "PASV/PORT is exclusive, finish the current transfer first")

		return nil
	}

	command := c.GetLastCommand()

	useTLS := c.HasTLSForTransfers() || c.server.settings.TLSRequired == ImplicitEncryption

	var tlsConfig *tls.Config

	if useTLS {
		var err error

		tlsConfig, err = c.server.driver.GetTLSConfig()
		if err != nil {
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Cannot get a TLS config: %v", err))

			return nil
		}
	}

	opts := pasv.ConnOptions{
		UseTLS:               useTLS,
		TLSConfig:            tlsConfig,
		AllowUnauthorizedTLS: c.server.settings.AllowUnauthorizedTLS,
		WaitTimeout:          time.Duration(c.server.settings.ConnectionTimeout) * time.Second,
	}

	remoteIP := remoteHost(c.conn.RemoteAddr())

	pdc, port, err := c.server.pasvPool.CreateDataConnection(context.Background(), remoteIP, opts)
	if err != nil {
		c.logger.Error("Could not listen for passive connection", "err", err)
		c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", err))

		return nil
	}

	c.setDataChannelState(dataChannelPassivePending)

	c.logger.Debug("Reserved passive data connection", "pasvId", pdc.ID(), "port", port, "remoteIP", remoteIP)

	p := &passiveTransferHandler{
		pdc:     pdc,
		onReady: func() { c.setDataChannelState(dataChannelPassiveReady) },
	}

	if command == "PASV" {
		p1 := port / 256
		p2 := port - (p1 * 256)

		quads, errIP := c.getCurrentIP()
		if errIP != nil {
			pdc.Close()
			c.setDataChannelState(dataChannelNone)
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Could not listen for passive connection: %v", errIP))

			return nil
		}

		c.writeMessage(
			StatusEnteringPASV,
			fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)", quads[0], quads[1], quads[2], quads[3], p1, p2))
	} else {
		c.writeMessage(StatusEnteringEPSV, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
	}

	c.transferMu.Lock()
	c.transfer = p
	c.transferMu.Unlock()

	return nil
}
