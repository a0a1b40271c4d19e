// Command ftpserver is a small reference FTP server built on top of the
// ftpserver library and the sample filesystem driver.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowline-sh/ftpserver"
	"github.com/flowline-sh/ftpserver/log/gokit"
	"github.com/flowline-sh/ftpserver/sample"
)

func main() {
	confFile := flag.String("conf", "settings.toml", "configuration file")
	rootDir := flag.String("root", "", "root directory for served files (temp dir if empty)")
	flag.Parse()

	if _, err := os.Stat(*confFile); os.IsNotExist(err) {
		if err := os.WriteFile(*confFile, []byte(defaultConfig), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "could not write default config %q: %v\n", *confFile, err)
			os.Exit(1)
		}

		fmt.Printf("No config found, wrote a default one to %q. Edit it and restart.\n", *confFile)

		return
	}

	driver, err := sample.NewDriver(*rootDir, *confFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create driver: %v\n", err)
		os.Exit(1)
	}

	driver.Logger = gokit.NewGKLoggerStdout().With(
		"ts", gokit.GKDefaultTimestampUTC,
		"caller", gokit.GKDefaultCaller,
	)

	server := ftpserver.NewFtpServer(driver)
	server.Logger = driver.Logger

	go func() {
		if err := server.ListenAndServe(); err != nil {
			driver.Logger.Error("server stopped", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "could not stop server cleanly: %v\n", err)
		os.Exit(1)
	}
}

const defaultConfig = `MaxConnections = 30

[Server]
ListenAddr = "0.0.0.0:2121"
PublicHost = ""
PassiveTransferPortStart = 21000
PassiveTransferPortEnd = 21010
ActiveTransferPortNon20 = false
IdleTimeout = 900
ConnectionTimeout = 20
DisableActiveMode = false
DisableSite = false
DisableMLSD = false

[[Users]]
User = "test"
Pass = "test"
Dir = "test"
`
