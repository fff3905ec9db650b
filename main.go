package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"devlink/config"
	"devlink/crypto"
	"devlink/dispatch"
	"devlink/handlers/battery"
	"devlink/keystore"
	"devlink/metrics"
	"devlink/network"
	"devlink/packet"
	"devlink/registry"
	"devlink/storage"
	"devlink/trust"
)

func main() {
	log := logrus.New()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	store.SetSecurityEventRetention(cfg.SecurityEventRetention())
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("database close error: %v", err)
		}
	}()

	masterKey, err := crypto.LoadOrCreateMasterKey(cfg.MasterKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing master key: %v", err)
	}
	keys, err := keystore.OpenFileStore(cfg.KeystoreDir, masterKey)
	if err != nil {
		log.Fatalf("startup failed while opening keystore: %v", err)
	}

	trustStore, err := trust.New(trust.Options{
		Keystore: keys,
		NodeID:   cfg.DeviceID,
		Logger:   log,
	})
	if err != nil {
		log.Fatalf("startup failed while opening trust store: %v", err)
	}
	identity, err := trustStore.Identity()
	if err != nil {
		log.Fatalf("startup failed while loading identity: %v", err)
	}

	m := metrics.New()
	var plugin *battery.Plugin
	reg, err := registry.New(registry.Options{
		Trust:                trustStore,
		Store:                store,
		TrustDecisionTimeout: cfg.TrustDecisionTimeout(),
		Events:               consoleEvents(log, func() *battery.Plugin { return plugin }),
		Logger:               log,
	})
	if err != nil {
		log.Fatalf("startup failed while creating registry: %v", err)
	}
	defer reg.Close()
	if err := reg.Load(); err != nil {
		log.Warnf("some paired peers could not be restored: %v", err)
	}
	if err := m.ObservePeers([]string{string(registry.ListConnected), string(registry.ListVisible), string(registry.ListSaved)}, func(list string) int {
		switch registry.List(list) {
		case registry.ListConnected:
			return len(reg.Connected())
		case registry.ListVisible:
			return len(reg.Visible())
		default:
			return len(reg.Saved())
		}
	}); err != nil {
		log.Fatalf("startup failed while registering metrics: %v", err)
	}

	router, err := dispatch.New(dispatch.Options{Sender: reg, Logger: log})
	if err != nil {
		log.Fatalf("startup failed while creating router: %v", err)
	}
	plugin, err = battery.New(battery.Options{
		Sender: router,
		Source: battery.SysfsSource{},
		OnStatus: func(peerID string, status battery.Status) {
			log.WithFields(logrus.Fields{"peer_id": peerID, "charge": status.Charge, "charging": status.Charging}).Info("peer battery status")
		},
		Logger: log,
	})
	if err != nil {
		log.Fatalf("startup failed while creating battery handler: %v", err)
	}
	router.RegisterHandler(plugin)

	newProvider := func(identity *crypto.Identity) (*network.Provider, error) {
		return network.NewProvider(network.ProviderOptions{
			Identity: identity,
			Local: packet.Identity{
				DeviceID:    cfg.DeviceID,
				DeviceName:  cfg.DeviceName,
				DeviceClass: cfg.DeviceClass,
			},
			Registry:          reg,
			Router:            router,
			ListenAddress:     cfg.ListenAddress(),
			DiscoveryPort:     cfg.DiscoveryPort,
			DiscoveryInterval: cfg.DiscoveryInterval(),
			DisableMDNS:       cfg.DisableMDNS,
			HandshakeTimeout:  cfg.HandshakeTimeout(),
			Metrics:           m,
			Logger:            log,
		})
	}
	provider, err := newProvider(identity)
	if err != nil {
		log.Fatalf("startup failed while creating link provider: %v", err)
	}
	if err := provider.Start(); err != nil {
		log.Fatalf("startup failed while starting link provider: %v", err)
	}
	console := &console{
		reg:         reg,
		battery:     plugin,
		store:       store,
		trust:       trustStore,
		out:         os.Stdout,
		newProvider: newProvider,
		provider:    provider,
	}
	defer console.stop()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening On:    %s\n", provider.Addr())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(identity.Fingerprint()))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddress != "" {
		server := &http.Server{Addr: cfg.MetricsAddress, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server: %v", err)
			}
		}()
		defer func() { _ = server.Close() }()
		fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
	}

	go plugin.Monitor(ctx, battery.DefaultMonitorInterval)

	go func() {
		console.run(ctx, os.Stdin)
		stop()
	}()

	fmt.Println("Status:          running (type help, Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func consoleEvents(log *logrus.Logger, plugin func() *battery.Plugin) registry.Events {
	return registry.Events{
		OnPeerDiscovered: func(peer registry.Peer) {
			log.WithFields(logrus.Fields{"peer_id": peer.ID, "name": peer.DisplayName, "source": peer.Source}).Info("peer visible")
		},
		OnTrustDecisionRequested: func(peerID, fingerprint string) {
			fmt.Printf("pairing request from %s, fingerprint %s (accept %s | decline %s)\n",
				peerID, crypto.FormatFingerprint(fingerprint), peerID, peerID)
		},
		OnPeerPaired: func(peer registry.Peer) {
			log.WithFields(logrus.Fields{"peer_id": peer.ID, "name": peer.DisplayName}).Info("peer paired")
		},
		OnPeerUnpaired: func(peerID string) {
			if p := plugin(); p != nil {
				p.Forget(peerID)
			}
			log.WithField("peer_id", peerID).Info("peer unpaired")
		},
		OnPeerConnected: func(peer registry.Peer) {
			log.WithFields(logrus.Fields{"peer_id": peer.ID, "name": peer.DisplayName}).Info("peer connected")
			if p := plugin(); p != nil {
				if err := p.PeerConnected(peer.ID); err != nil {
					log.WithField("peer_id", peer.ID).Debugf("battery exchange: %v", err)
				}
			}
		},
		OnPeerDisconnected: func(peer registry.Peer) {
			log.WithField("peer_id", peer.ID).Info("peer disconnected")
		},
		OnTrustDeclined: func(peerID string) {
			log.WithField("peer_id", peerID).Info("pairing declined")
		},
		OnTrustMismatch: func(peerID, fingerprint string) {
			log.WithFields(logrus.Fields{"peer_id": peerID, "fingerprint": fingerprint}).Warn("peer certificate changed, connection refused")
		},
	}
}
