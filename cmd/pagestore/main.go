// pagestore CLI
// Opens or initializes a transactional page file and exposes observability
// endpoints for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagestore/internal/logger"
	"pagestore/internal/metrics"
	"pagestore/internal/server"
	"pagestore/pkg/pagestore"
)

var (
	dbPath            = flag.String("db", "pagestore.db", "Database file path")
	dbSize            = flag.Int("size", 64*1024*1024, "Size in bytes to create the database file at, if it does not already exist")
	pageSize          = flag.Int("page-size", 4096, "Requested page size in bytes; used on first creation, and must match the page size of an existing file")
	observabilityPort = flag.Int("observability-port", 9090, "Port for /metrics, /health and /debug/pprof")
	logLevel          = flag.String("log-level", "info", "debug, info, warn, or error")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: true})
	appLog := logger.GetGlobalLogger()
	met := metrics.NewMetrics()

	appLog.Info("pagestore starting").
		Str("db", *dbPath).
		Int("size", *dbSize).
		Int("page_size", *pageSize).
		Send()

	mapping, err := openOrCreateMapping(*dbPath, *dbSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open mapping: %v\n", err)
		os.Exit(1)
	}

	tm, err := pagestore.Open(mapping, pagestore.Options{
		RequestedPageSize: *pageSize,
		Log:               appLog,
		Metrics:           met,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open pagestore: %v\n", err)
		os.Exit(1)
	}

	obsServer := server.NewObservabilityServer(*observabilityPort, appLog, tm)
	go func() {
		if err := obsServer.Start(); err != nil {
			appLog.Error("observability server stopped").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	appLog.Info("shutting down gracefully").Send()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obsServer.Shutdown(ctx); err != nil {
		appLog.Error("observability server shutdown error").Err(err).Send()
	}

	if err := tm.Close(); err != nil {
		appLog.Error("close pagestore").Err(err).Send()
		os.Exit(1)
	}
}

func openOrCreateMapping(path string, size int) (pagestore.Mapping, error) {
	if _, err := os.Stat(path); err == nil {
		return pagestore.OpenMmapFile(path)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return pagestore.CreateMmapFile(path, size)
}

func init() {
	log.SetFlags(0)
}
