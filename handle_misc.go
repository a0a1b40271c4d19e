// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowline-sh/ftpserver/tlsutil"
)

var errUnknowHash = errors.New("unknown hash algorithm")

// handleAUTH implements RFC 2228's AUTH TLS: any bytes the client already raced onto the
// wire ahead of our reply are preserved across the handshake via tlsutil.BufferedPrefix, so
// a pipelining client that sends AUTH TLS immediately followed by PBSZ/PROT on the same
// write doesn't lose those bytes to the plaintext reader's buffer.
func (c *clientHandler) handleAUTH(param string) error {
	if !strings.EqualFold(param, "TLS") && !strings.EqualFold(param, "SSL") && !strings.EqualFold(param, "TLS-C") {
		c.writeMessage(StatusCommandNotImplemented, "Unknown AUTH mechanism")
		return nil
	}

	tlsConfig, err := c.server.driver.GetTLSConfig()
	if err != nil || tlsConfig == nil {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Cannot get a TLS config: %v", err))
		return nil
	}

	prefix := tlsutil.BufferedPrefix(c.reader)

	c.writeMessage(StatusAuthAccepted, "AUTH command ok. Expecting TLS Negotiation.")

	tlsConn, _, err := tlsutil.Upgrade(c.conn, tlsConfig, prefix, c.server.settings.AllowUnauthorizedTLS)
	if err != nil {
		c.logger.Warn("control TLS handshake failed", "err", err)

		return nil
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.setTLSForControl(true)

	return nil
}

// handlePROT implements RFC 2228's PROT: only "P" (Private, i.e. TLS-protected transfers) is
// supported, and it requires a prior PBSZ on this control connection. "S"/"E"/"C" are
// protection levels this server never offers, so they're rejected outright.
func (c *clientHandler) handlePROT(param string) error {
	if param != "P" {
		c.writeMessage(StatusProtectionLevelNotSupported, "Only Private (P) protection level is supported")

		return nil
	}

	if !c.hasPBSZ() {
		c.writeMessage(StatusBadCommandSequence, "PBSZ is required before PROT")

		return nil
	}

	c.setTLSForTransfer(true)
	c.writeMessage(StatusOK, "OK")

	return nil
}

// handlePBSZ implements RFC 2228's PBSZ. The only meaningful buffer size over TLS is 0, but we
// accept whatever the client asks for, as ftpserverlib always did; what matters is recording
// that the sequence has happened so PROT P can be accepted next.
func (c *clientHandler) handlePBSZ(param string) error {
	c.setPBSZReceived(true)
	c.writeMessage(StatusOK, "Whatever")

	return nil
}

func (c *clientHandler) handleSYST(param string) error {
	if c.server.settings.DisableSYST {
		c.writeMessage(StatusCommandNotImplemented, "SYST is disabled")
		return nil
	}

	c.writeMessage(StatusSystemType, "UNIX Type: L8")

	return nil
}

func (c *clientHandler) handleSTAT(param string) error {
	if param == "" { // Without a file, it's the server stat
		return c.handleSTATServer(param)
	}

	// With a file/dir it's the file or the dir's files stat
	return c.handleSTATFile(param)
}

func (c *clientHandler) handleSITE(param string) error {
	if c.server.settings.DisableSite {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "SITE support is disabled")
		return nil
	}

	spl := strings.SplitN(param, " ", 2)
	subcommand := strings.ToUpper(spl[0])

	var params string
	if len(spl) > 1 {
		params = spl[1]
	}

	switch subcommand {
	case "CHMOD":
		c.handleCHMOD(params)
	case "CHOWN":
		c.handleCHOWN(params)
	case "SYMLINK":
		c.handleSYMLINK(params)
	default:
		c.writeMessage(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Unknown SITE subcommand: %s", subcommand))
	}

	return nil
}

func (c *clientHandler) handleSTATServer(param string) error {
	if c.server.settings.DisableSTAT {
		c.writeMessage(StatusCommandNotImplemented, "STAT is disabled")
		return nil
	}

	// we don't handle STAT properly: we should return the status for every transfer in
	// progress and should allow STAT while a transfer is in progress, see RFC 959.
	defer c.multilineAnswer(StatusSystemStatus, "Server status")()

	duration := time.Now().UTC().Sub(c.connectedAt)
	duration -= duration % time.Second
	c.writeLine(fmt.Sprintf(
		"Connected to %s from %s for %s",
		c.server.settings.ListenAddr,
		c.conn.RemoteAddr(),
		duration,
	))

	if c.user != "" {
		c.writeLine(fmt.Sprintf("Logged in as %s", c.user))
	} else {
		c.writeLine("Not logged in yet")
	}

	c.writeLine(c.server.settings.Banner)

	return nil
}

func (c *clientHandler) handleOPTS(param string) error {
	args := strings.SplitN(param, " ", 2)
	if strings.EqualFold(args[0], "UTF8") {
		c.writeMessage(StatusOK, "I'm in UTF8 only anyway")
		return nil
	}

	if strings.EqualFold(args[0], "HASH") && c.server.settings.EnableHASH {
		hashMapping := getHashMapping()

		if len(args) > 1 {
			// try to change the current hash algorithm to the requested one
			if value, ok := hashMapping[args[1]]; ok {
				c.selectedHashAlgo = value
				c.writeMessage(StatusOK, args[1])
			} else {
				c.writeMessage(StatusSyntaxErrorParameters, "Unknown algorithm, current selection not changed")
			}

			return nil
		}
		// return the current hash algorithm
		var currentHash string

		for k, v := range hashMapping {
			if v == c.selectedHashAlgo {
				currentHash = k
			}
		}

		c.writeMessage(StatusOK, currentHash)

		return nil
	}

	c.writeMessage(StatusSyntaxErrorNotRecognised, "Don't know this option")

	return nil
}

func (c *clientHandler) handleNOOP(param string) error {
	c.writeMessage(StatusOK, "OK")
	return nil
}

func (c *clientHandler) handleCLNT(param string) error {
	c.setClientVersion(param)
	c.writeMessage(StatusOK, "Good to know")

	return nil
}

func (c *clientHandler) handleFEAT(param string) error {
	c.writeLine(fmt.Sprintf("%d- These are my features", StatusSystemStatus))
	defer c.writeMessage(StatusSystemStatus, "end")

	features := []string{
		"CLNT",
		"UTF8",
		"SIZE",
		"MDTM",
		"REST STREAM",
		"EPSV",
		"EPRT",
	}

	if !c.server.settings.DisableMLSD {
		features = append(features, "MLSD")
	}

	if !c.server.settings.DisableMLST {
		features = append(features, "MLST")
	}

	if !c.server.settings.DisableMFMT {
		features = append(features, "MFMT")
	}

	if tlsConfig, err := c.server.driver.GetTLSConfig(); tlsConfig != nil && err == nil {
		features = append(features, "AUTH TLS")
		features = append(features, "PBSZ")
		features = append(features, "PROT")
	}

	if c.server.settings.EnableHASH {
		var hashLine strings.Builder

		nonStandardHashImpl := []string{"XCRC", "MD5", "XMD5", "XSHA", "XSHA1", "XSHA256", "XSHA512"}
		hashMapping := getHashMapping()

		for k, v := range hashMapping {
			hashLine.WriteString(k)

			if v == c.selectedHashAlgo {
				hashLine.WriteString("*")
			}

			hashLine.WriteString(";")
		}

		features = append(features, hashLine.String())
		features = append(features, nonStandardHashImpl...)
	}

	if c.server.settings.EnableCOMB {
		features = append(features, "COMB")
	}

	if _, ok := c.driver.(ClientDriverExtensionAvailableSpace); ok {
		features = append(features, "AVBL")
	}

	for _, f := range features {
		c.writeLine(" " + f)
	}

	return nil
}

func (c *clientHandler) handleTYPE(param string) error {
	args := strings.Fields(param)
	if len(args) == 0 {
		c.writeMessage(StatusSyntaxErrorParameters, "No TYPE given")
		return nil
	}

	switch strings.ToUpper(args[0]) {
	case "I":
		c.currentTransferType = TransferTypeBinary
		c.writeMessage(StatusOK, "Type set to binary")
	case "A":
		c.currentTransferType = TransferTypeASCII
		c.writeMessage(StatusOK, "Type set to ASCII")
	case "L":
		// TYPE L <byte size>: local byte mode, only 8-bit bytes are supported.
		if len(args) < 2 || (args[1] != "8" && args[1] != "7") {
			c.writeMessage(StatusNotImplementedParam, "Only L 7 or L 8 is supported")
			return nil
		}

		c.currentTransferType = TransferTypeBinary
		c.writeMessage(StatusOK, "Type set to local byte mode")
	default:
		c.writeMessage(StatusNotImplementedParam, "Not understood")
	}

	return nil
}

func (c *clientHandler) handleMODE(param string) error {
	if strings.EqualFold(param, "S") {
		c.writeMessage(StatusOK, "OK")
		return nil
	}

	c.writeMessage(StatusCommandNotImplemented, "Only S(tream) mode is supported")

	return nil
}

func (c *clientHandler) handleQUIT(param string) error {
	c.writeMessage(StatusClosingControlConn, "Goodbye")
	c.disconnect()
	c.reader = nil

	return nil
}

func (c *clientHandler) handleAVBL(param string) error {
	if avbl, ok := c.driver.(ClientDriverExtensionAvailableSpace); ok {
		path := c.absPath(param)

		info, err := c.driver.Stat(path)
		if err != nil {
			c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Couldn't access %s: %v", path, err))
			return nil
		}

		if !info.IsDir() {
			c.writeMessage(StatusActionNotTaken, fmt.Sprintf("%s: is not a directory", path))
			return nil
		}

		available, err := avbl.GetAvailableSpace(path)
		if err != nil {
			c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Couldn't get space for path %s: %v", path, err))
			return nil
		}

		c.writeMessage(StatusFileStatus, fmt.Sprintf("%d", available))
	} else {
		c.writeMessage(StatusNotImplemented, "This extension hasn't been implemented !")
	}

	return nil
}

func (c *clientHandler) handleNotImplemented(param string) error {
	c.writeMessage(StatusCommandNotImplemented, "Not implemented")
	return nil
}
