package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"collabsync/internal/ops"
	"collabsync/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	listenAddr := flag.String("listen", "", "Listen address override")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}

	if cfg.Relay.Pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "collabsync/relay",
			ServerAddress:   cfg.Relay.Pyroscope,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start failed, err: %+v", err)
			os.Exit(1)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	var store *relay.SnapshotStore
	if cfg.Relay.PostgresDSN != "" {
		store, err = relay.OpenSnapshotStore(cfg.Relay.PostgresDSN)
		if err != nil {
			logs.Errorf("snapshot store open failed, err: %+v", err)
			os.Exit(1)
		}
		defer func() {
			_ = store.Close()
		}()
		logs.Info("snapshot store connected")
	} else {
		logs.Warn("no postgres dsn configured, rooms will not survive restart")
	}

	hub := relay.NewHub(store, cfg.Relay.SnapshotDebounce)
	server := &http.Server{
		Addr:    cfg.Relay.ListenAddr,
		Handler: hub.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logs.Infof("relay listening on %s", cfg.Relay.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logs.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		logs.Errorf("server stopped, err: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logs.Warnf("shutdown incomplete, err: %+v", err)
	}
	logs.Info("relay stopped")
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
