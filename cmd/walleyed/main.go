// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// walleyed is the in-path DPI daemon for the gateway: it takes packets from
// a socket listener or a netfilter queue, classifies flows, applies per
// attribute policies, and hands verdicts back to the datapath.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/config"
	"walleye.is/walleye/internal/ingress"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/metrics"
)

// logTransport is the fallback report transport when no publisher socket is
// configured: reports land in the log, which keeps the datapath verdicts
// observable on a bench setup.
type logTransport struct {
	logger *logging.Logger
}

func (t *logTransport) SendPBReport(topic string, buf []byte) error {
	t.logger.Debug("report", "topic", topic, "bytes", len(buf))
	return nil
}

func main() {
	configPath := flag.String("config", "/etc/walleye/walleyed.hcl", "configuration file")
	metricsAddr := flag.String("metrics", "", "prometheus listen address (empty disables)")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.New(logCfg))
	logger := logging.WithComponent("walleyed")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	if cfg.Debug {
		logCfg.Level = logging.LevelDebug
		logging.SetDefault(logging.New(logCfg))
	}
	logger.Info("configuration loaded", "summary", cfg.String())

	engine := classify.NewNullEngine()
	world, err := NewWorld(cfg, engine, &logTransport{logger: logging.WithComponent("report")})
	if err != nil {
		logger.WithError(err).Error("failed to assemble dpi pipeline")
		os.Exit(1)
	}

	if err := world.Loader.LoadBest(); err != nil {
		logger.WithError(err).Warn("no signature bundle loaded, scanning disabled")
	}
	if err := world.Loader.Watch(); err != nil {
		logger.WithError(err).Warn("signature store watch unavailable")
	}
	defer world.Loader.Close()

	marker, err := ingress.NewConntrackMarker()
	if err != nil {
		logger.WithError(err).Warn("conntrack marks unavailable")
		marker = nil
	}

	// Ingress transports.
	var listener *ingress.Listener
	if cfg.Listener != nil {
		listener, err = ingress.NewListener(cfg.Listener.IP, cfg.Listener.Port,
			world.Dispatcher, world.Neighbors, marker)
		if err != nil {
			logger.WithError(err).Error("failed to start dispatch listener")
			os.Exit(1)
		}
		go listener.Run()
		logger.Info("dispatch listener started", "ip", cfg.Listener.IP, "port", cfg.Listener.Port)
	}

	var readers []*ingress.QueueReader
	if cfg.NFQueue != nil {
		first, last, err := cfg.NFQueue.Range()
		if err != nil {
			logger.WithError(err).Error("bad nfqueue configuration")
			os.Exit(1)
		}
		for q := first; ; q++ {
			r := ingress.NewQueueReader(q, world.Dispatcher, world.Neighbors)
			if err := r.Start(cfg.NFQueue.BuffSize, cfg.NFQueue.Length); err != nil {
				logger.WithError(err).Error("failed to start nfqueue", "queue", q)
				os.Exit(1)
			}
			readers = append(readers, r)
			if q == last {
				break
			}
		}
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(world.Metrics))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	ticker := time.NewTicker(world.HealthInterval())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	restart := make(chan struct{}, 1)
	world.Loader.Restart = func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case now := <-ticker.C:
			world.Periodic(now)
		case <-restart:
			logger.Info("restart requested by configuration change")
			shutdown(listener, readers, marker)
			return
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			shutdown(listener, readers, marker)
			return
		}
	}
}

func shutdown(listener *ingress.Listener, readers []*ingress.QueueReader, marker *ingress.ConntrackMarker) {
	if listener != nil {
		listener.Close()
	}
	for _, r := range readers {
		r.Stop()
	}
	if marker != nil {
		marker.Close()
	}
}
