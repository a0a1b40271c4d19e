// Package sample provides a reference MainDriver/ClientDriver implementation
// backed by the local filesystem, meant to be wired up by cmd/ftpserver.
package sample

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"

	log "github.com/fclairamb/go-log"

	"github.com/flowline-sh/ftpserver"
)

// Account is a single user/password/home-directory entry.
type Account struct {
	User string
	Pass string
	Dir  string
}

// ServerSettings mirrors ftpserver.Settings with only the fields that make
// sense to expose through a TOML config file.
type ServerSettings struct {
	ListenAddr               string
	PublicHost               string
	PassiveTransferPortStart int
	PassiveTransferPortEnd   int
	ActiveTransferPortNon20  bool
	IdleTimeout              int
	ConnectionTimeout        int
	DisableActiveMode        bool
	DisableSite              bool
	DisableMLSD              bool
}

// Config is the TOML document loaded from the settings file.
type Config struct {
	Server         ServerSettings
	Users          []Account
	MaxConnections int32
}

// Driver is a basic ftpserver.MainDriver backed by the local filesystem, one
// sub-directory per authenticated user.
type Driver struct {
	Logger       log.Logger
	SettingsFile string
	BaseDir      string

	tlsConfig *tls.Config
	config    Config
	nbClients int32
}

// NewDriver creates a Driver serving files under dir (a temporary directory
// is allocated if dir is empty) and configured from settingsFile.
func NewDriver(dir, settingsFile string) (*Driver, error) {
	if dir == "" {
		var err error

		dir, err = os.MkdirTemp("", "ftpserver")
		if err != nil {
			return nil, fmt.Errorf("could not create a temporary dir: %w", err)
		}
	}

	return &Driver{
		SettingsFile: settingsFile,
		BaseDir:      dir,
	}, nil
}

// GetSettings loads the TOML settings file and translates it into the
// server-wide ftpserver.Settings.
func (driver *Driver) GetSettings() (*ftpserver.Settings, error) {
	if _, err := toml.DecodeFile(driver.SettingsFile, &driver.config); err != nil {
		return nil, fmt.Errorf("problem loading %q: %w", driver.SettingsFile, err)
	}

	if len(driver.config.Users) == 0 {
		return nil, errors.New("you must have at least one user defined")
	}

	cfg := driver.config.Server

	settings := &ftpserver.Settings{
		ListenAddr:              cfg.ListenAddr,
		PublicHost:              cfg.PublicHost,
		ActiveTransferPortNon20: cfg.ActiveTransferPortNon20,
		IdleTimeout:             cfg.IdleTimeout,
		ConnectionTimeout:       cfg.ConnectionTimeout,
		DisableActiveMode:       cfg.DisableActiveMode,
		DisableSite:             cfg.DisableSite,
		DisableMLSD:             cfg.DisableMLSD,
	}

	if cfg.PassiveTransferPortStart != 0 || cfg.PassiveTransferPortEnd != 0 {
		settings.PassiveTransferPortRange = &ftpserver.PortRange{
			Start: cfg.PassiveTransferPortStart,
			End:   cfg.PassiveTransferPortEnd,
		}
	}

	if settings.PublicHost == "" {
		driver.Logger.Debug("fetching our external IP address")

		ip, err := externalIP()
		if err != nil {
			driver.Logger.Warn("could not fetch an external IP", "err", err)
		} else {
			settings.PublicHost = ip
			driver.Logger.Debug("fetched our external IP address", "ipAddress", ip)
		}
	}

	return settings, nil
}

// ClientConnected is called to send the very first welcome message.
func (driver *Driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	nbClients := atomic.AddInt32(&driver.nbClients, 1)
	if driver.config.MaxConnections != 0 && nbClients > driver.config.MaxConnections {
		return "cannot accept any additional client", fmt.Errorf("too many clients: %d > %d", nbClients, driver.config.MaxConnections)
	}

	cc.SetDebug(true)

	return fmt.Sprintf(
		"Welcome, you're on dir %s, your ID is %d, your IP:port is %s, we currently have %d clients connected",
		driver.BaseDir, cc.ID(), cc.RemoteAddr(), nbClients,
	), nil
}

// ClientDisconnected is called when the client disconnects, even if it never authenticated.
func (driver *Driver) ClientDisconnected(ftpserver.ClientContext) {
	atomic.AddInt32(&driver.nbClients, -1)
}

// AuthUser authenticates the user and returns the ClientDriver scoped to their home directory.
func (driver *Driver) AuthUser(_ ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	for _, account := range driver.config.Users {
		if account.User == user && account.Pass == pass {
			home := filepath.Join(driver.BaseDir, account.Dir)
			if err := os.MkdirAll(home, 0o750); err != nil {
				return nil, fmt.Errorf("could not create home dir %q: %w", home, err)
			}

			return &ClientDriver{Fs: afero.NewBasePathFs(afero.NewOsFs(), home)}, nil
		}
	}

	return nil, errors.New("could not authenticate you")
}

// GetTLSConfig lazily generates a self-signed certificate for the server.
//
// This driver deliberately doesn't load a certificate from disk: a real
// deployment should use tls.LoadX509KeyPair against a proper cert/key pair.
func (driver *Driver) GetTLSConfig() (*tls.Config, error) {
	if driver.tlsConfig != nil {
		return driver.tlsConfig, nil
	}

	driver.Logger.Info("loading certificate")

	cert, err := driver.getCertificate()
	if err != nil {
		return nil, err
	}

	driver.tlsConfig = &tls.Config{
		NextProtos:   []string{"ftp"},
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}

	return driver.tlsConfig, nil
}

func (driver *Driver) getCertificate() (*tls.Certificate, error) {
	driver.Logger.Info("creating self-signed certificate")

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}

	now := time.Now().UTC()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1337),
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"ftpserver"},
		},
		DNSNames:              []string{"localhost"},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		PublicKeyAlgorithm:    x509.RSA,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour * 24 * 7),
		SubjectKeyId:          []byte{1, 2, 3, 4, 5},
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("could not create certificate: %w", err)
	}

	var certPem, keyPem bytes.Buffer

	if err := pem.Encode(&certPem, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, err
	}

	if err := pem.Encode(&keyPem, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return nil, err
	}

	keypair, err := tls.X509KeyPair(certPem.Bytes(), keyPem.Bytes())
	if err != nil {
		return nil, err
	}

	return &keypair, nil
}

// ClientDriver is the per-session filesystem, scoped to the authenticated user's home dir.
type ClientDriver struct {
	afero.Fs
}

func externalIP() (string, error) {
	rsp, err := http.Get("http://checkip.amazonaws.com")
	if err != nil {
		return "", err
	}
	defer rsp.Body.Close()

	buf, err := io.ReadAll(rsp.Body)
	if err != nil {
		return "", err
	}

	return string(bytes.TrimSpace(buf)), nil
}
