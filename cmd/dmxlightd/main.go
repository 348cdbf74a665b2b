package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dmxlightd/internal/config"
	"dmxlightd/internal/engine"
	"dmxlightd/internal/fade"
	"dmxlightd/internal/fixture"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/mqttbridge"
	"dmxlightd/internal/preset"
	"dmxlightd/internal/profile"
	"dmxlightd/internal/server/automation"
	"dmxlightd/internal/server/live"
	"dmxlightd/internal/store"
	"dmxlightd/internal/transmitter"
	"dmxlightd/internal/universe"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "configs/conf.toml", "Path to configuration file")
}

func main() {
	flag.Parse()
	cfg, cfgErr := config.NewConfig(configFile)

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Printf("failed to create a logger: %v", err)
		os.Exit(1)
	}
	if cfgErr != nil {
		log.Warnf("configuration file %s not read (%v), running on defaults", configFile, cfgErr)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Errorf("failed to open store %s: %v", cfg.Store.Path, err)
		os.Exit(1)
	}
	defer st.Close()

	profiles := profile.NewLoader(log, cfg.Profiles.Dir)
	if err := profiles.Load(); err != nil {
		log.With(logger.Fields{"module": "profiles"}).Errorf("profile scan failed: %v", err)
	}

	registry, err := fixture.NewRegistry(log, st, profiles)
	if err != nil {
		log.Errorf("failed to load fixture registry: %v", err)
		os.Exit(1)
	}
	presets, err := preset.NewStore(log, st)
	if err != nil {
		log.Errorf("failed to load preset store: %v", err)
		os.Exit(1)
	}

	uni := universe.New(log)
	fades := fade.New(log, uni)
	tx := transmitter.New(log, uni, cfg.Serial)
	eng := engine.New(log, uni, fades, tx, profiles, registry, presets)

	if cfg.Profiles.Watch {
		if err := profiles.Watch(eng.ProfilesReloaded); err != nil {
			log.With(logger.Fields{"module": "profiles"}).Errorf("profile watcher disabled: %v", err)
		} else {
			defer profiles.Close()
		}
	}

	liveSrv := live.NewServer(log, eng)
	autoSrv := automation.NewServer(log, eng)

	// A port that cannot be bound is fatal, as are the logger, store,
	// fixture and preset failures above.
	if err := liveSrv.Start(cfg.Live.Listen); err != nil {
		log.Errorf("failed to bind live-client server on %s: %v", cfg.Live.Listen, err)
		os.Exit(1)
	}
	if err := autoSrv.Start(cfg.Automation.Listen); err != nil {
		log.Errorf("failed to bind automation server on %s: %v", cfg.Automation.Listen, err)
		os.Exit(1)
	}

	tx.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqttbridge.NewBridge(log, cfg.MQTT, eng)
		if err := bridge.Start(ctx); err != nil {
			log.With(logger.Fields{"module": "mqtt"}).Errorf("bridge not started: %v", err)
			bridge = nil
		}
	}

	log.Infof("dmxlightd up: live %s, automation %s", cfg.Live.Listen, cfg.Automation.Listen)

	<-ctx.Done()

	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			log.Error("failed to stop MQTT bridge:", err.Error())
		}
	}
	autoSrv.Shutdown()
	liveSrv.Shutdown()
	tx.Shutdown()

	log.Info("shutdown complete")
}
