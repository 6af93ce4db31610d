// Package main runs the stub result collector for local runs of dmesg-check.
// Point RECIPE_URL at http://host:port/recipes/{id} and received logs are
// written under -dir.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/collector/stub"
	"github.com/supporttools/dmesg-check/pkg/logger"
)

func main() {
	port := flag.Int("port", 8023, "port to listen on")
	dir := flag.String("dir", "", "directory to mirror received logs into (empty keeps them in memory only)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if err := logger.Initialize(*logLevel, "text", "stderr", ""); err != nil {
		logger.WithError(err).Fatal("Invalid logging options")
	}

	addr := fmt.Sprintf(":%d", *port)
	server := &http.Server{
		Addr:              addr,
		Handler:           stub.New(*dir).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithFields(logrus.Fields{"addr": addr, "dir": *dir}).Info("collector-stub listening")
	if err := server.ListenAndServe(); err != nil { //nolint:gosec // local test collector
		logger.WithError(err).Fatal("failed to start server")
	}
}
