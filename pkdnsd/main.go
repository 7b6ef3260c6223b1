package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	filelock "github.com/MichaelS11/go-file-lock"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/pkdns-network/pkdns/cache"
	"github.com/pkdns-network/pkdns/common/config"
	"github.com/pkdns-network/pkdns/common/identity"
	"github.com/pkdns-network/pkdns/common/util"
	"github.com/pkdns-network/pkdns/kadengine"
	"github.com/pkdns-network/pkdns/resolver"
)

func pidFileName(rootPath string) string {
	return filepath.Join(rootPath, "pkdnsd.pid")
}

func main() {
	rootPath := parseCmdParams()
	rootPath, err := util.GetRootPath(rootPath)
	if err != nil {
		logger.Fatalf("pkdnsd->main: GetRootPath: %v", err)
	}

	pidFile := pidFileName(rootPath)
	pidFileLockHandle, err := filelock.New(pidFile)
	logger.Infof("pkdnsd->main: PID: %v", os.Getpid())
	if err == filelock.ErrFileIsBeingUsed {
		logger.Errorf("pkdnsd->main: pid file is being locked: %v", err)
		return
	}
	if err != nil {
		logger.Errorf("pkdnsd->main: pid file lock: %v", err)
		return
	}
	defer func() {
		if err := pidFileLockHandle.Unlock(); err != nil {
			logger.Errorf("pkdnsd->main: pid file unlock: %v", err)
		}
		if err := os.Remove(pidFile); err != nil {
			logger.Errorf("pkdnsd->main: pid file remove: %v", err)
		}
	}()

	cfg := config.NewDefaultNodeConfig()
	if err := cfg.LoadConfig(rootPath); err != nil {
		logger.Fatalf("pkdnsd->main: loadConfig (run -init first?): %v", err)
	}
	cfg.RootPath = rootPath

	if err := initLog(cfg.Log.ModuleLevels); err != nil {
		logger.Fatalf("pkdnsd->main: initLog: %v", err)
	}

	keypair, err := identity.LoadIdentityFile(filepath.Join(rootPath, identity.IdentityFileName))
	if err != nil {
		logger.Fatalf("pkdnsd->main: load identity (run -init first?): %v", err)
	}
	privKey, err := identity.Libp2pPrivKey(keypair)
	if err != nil {
		logger.Fatalf("pkdnsd->main: identity conversion: %v", err)
	}

	ctx := context.Background()

	host, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(cfg.Network.ListenAddrs...),
	)
	if err != nil {
		logger.Fatalf("pkdnsd->main: libp2p host: %v", err)
	}
	defer host.Close()
	logger.Infof("pkdnsd->main: host up {peerID: %s, publicKey: %s}", host.ID(), keypair.PublicKey())

	dhtStore, err := cache.NewBadgerDatastore(filepath.Join(rootPath, cfg.DHT.DatastorePath))
	if err != nil {
		logger.Fatalf("pkdnsd->main: dht datastore: %v", err)
	}
	defer dhtStore.Close()

	bootstrapPeers, err := parseBootstrapPeers(cfg.Bootstrap.BootstrapPeers)
	if err != nil {
		logger.Fatalf("pkdnsd->main: bootstrap peers: %v", err)
	}

	engine, err := kadengine.New(ctx, host, kadengine.Config{
		ProtocolPrefix: cfg.DHT.ProtocolPrefix,
		ServerMode:     cfg.DHT.ServerMode,
		BootstrapPeers: bootstrapPeers,
		Datastore:      dhtStore,
	})
	if err != nil {
		logger.Fatalf("pkdnsd->main: dht engine: %v", err)
	}
	defer engine.Close()

	if err := engine.Bootstrap(ctx); err != nil {
		logger.Errorf("pkdnsd->main: bootstrap: %v", err)
	}

	packetCache, closeCache, err := buildCache(cfg)
	if err != nil {
		logger.Fatalf("pkdnsd->main: cache: %v", err)
	}
	defer closeCache()

	limiter := resolver.NewIPRateLimiter(resolver.RateLimiterConfig{
		Enable:    cfg.RateLimit.Enable,
		BurstSize: cfg.RateLimit.BurstSize,
		PerSecond: cfg.RateLimit.PerSecond,
		IdleAfter: cfg.RateLimit.IdleAfter,
	})
	defer limiter.Close()

	responder := resolver.NewResponder(engine, packetCache, limiter, resolver.ResponderConfig{
		MinimumTTL:     cfg.Resolver.MinimumTTL,
		MaximumTTL:     cfg.Resolver.MaximumTTL,
		Resolvers:      parseResolverAddrs(cfg.Resolver.Resolvers),
		RefreshWorkers: cfg.Resolver.RefreshWorkers,
	})
	defer responder.Close()

	engine.Serve(responder)
	logger.Info("pkdnsd->main: node is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("pkdnsd->main: received %v, shutting down", sig)
}

func buildCache(cfg *config.NodeConfig) (cache.Cache, func(), error) {
	if cfg.Cache.InMemory {
		c, err := cache.NewMemoryCache(cfg.Cache.MaxSize)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
	dstore, err := cache.NewLevelDatastore(filepath.Join(cfg.RootPath, cfg.Cache.DatastorePath))
	if err != nil {
		return nil, nil, err
	}
	c := cache.NewDatastoreCache(dstore)
	return c, func() {
		if err := c.Close(); err != nil {
			logger.Errorf("pkdnsd->buildCache: close: %v", err)
		}
	}, nil
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	for _, addr := range addrs {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// parseResolverAddrs parses explicit resolver addresses; unparseable entries
// are logged and skipped so one bad line does not keep the node down.
func parseResolverAddrs(addrs []string) []net.Addr {
	var out []net.Addr
	for _, s := range addrs {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			logger.Warnf("pkdnsd->parseResolverAddrs: skipping %q: %v", s, err)
			continue
		}
		out = append(out, addr)
	}
	return out
}
