package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkdns-network/pkdns/common/config"
	"github.com/pkdns-network/pkdns/common/identity"
	"github.com/pkdns-network/pkdns/common/util"
)

const (
	defaultDirName = ".pkdnsd"
	defaultPath    = "~/" + defaultDirName
)

func parseCmdParams() string {
	initFlag := flag.Bool("init", false, "generate identity key and config file")
	path := flag.String("path", defaultPath, "all data path")
	shutdown := flag.Bool("shutdown", false, "shutdown daemon")
	ident := flag.Bool("ident", false, "display identity public key")
	help := flag.Bool("help", false, "display help")
	flag.Parse()

	if *help {
		logger.Info("pkdns node daemon")
		logger.Info("Usage step1: Run './pkdnsd -init' to generate identity key and config.")
		logger.Info("Usage step2: Run './pkdnsd' or './pkdnsd -path <dir>' to start the node.")
		os.Exit(0)
	}

	if *ident {
		rootPath, err := util.GetRootPath(*path)
		if err != nil {
			logger.Fatalf("pkdnsd->parseCmdParams: GetRootPath: %v", err)
		}
		keypair, err := identity.LoadIdentityFile(filepath.Join(rootPath, identity.IdentityFileName))
		if err != nil {
			logger.Fatalf("pkdnsd->parseCmdParams: LoadIdentityFile: %v", err)
		}
		logger.Infof("publicKey: %s", keypair.PublicKey())
		os.Exit(0)
	}

	if *initFlag {
		rootPath, err := util.GetRootPath(*path)
		if err != nil {
			logger.Fatalf("pkdnsd->parseCmdParams: GetRootPath: %v", err)
		}
		if _, err := os.Stat(rootPath); os.IsNotExist(err) {
			if err := os.MkdirAll(rootPath, 0755); err != nil {
				logger.Fatalf("pkdnsd->parseCmdParams: MkdirAll: %v", err)
			}
		}
		if err := genConfigFile(rootPath); err != nil {
			logger.Fatalf("pkdnsd->parseCmdParams: generate config file: %v", err)
		}
		if err := genIdentityFile(rootPath); err != nil {
			logger.Fatalf("pkdnsd->parseCmdParams: generate identity file: %v", err)
		}
		logger.Info("pkdnsd->parseCmdParams: generated config and identity files.")
		os.Exit(0)
	}

	if *shutdown {
		shutdownDaemon(*path)
		os.Exit(0)
	}
	return *path
}

func genConfigFile(rootPath string) error {
	cfg := config.NewDefaultNodeConfig()
	cfgPath := filepath.Join(rootPath, config.NodeConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		// Re-running -init keeps existing settings.
		if err := cfg.LoadConfig(rootPath); err != nil {
			return err
		}
	}
	cfg.RootPath = rootPath
	if err := cfg.StoreConfig(rootPath); err != nil {
		return err
	}
	logger.Infof("pkdnsd->genConfigFile: generated node config file: %s", cfgPath)
	return nil
}

func genIdentityFile(rootPath string) error {
	filePath := filepath.Join(rootPath, identity.IdentityFileName)
	keypair, err := identity.GenIdentityFile(filePath)
	if err != nil {
		return err
	}
	logger.Infof("pkdnsd->genIdentityFile: identity file: %s", filePath)
	logger.Infof("publicKey: %s", keypair.PublicKey())
	return nil
}

func shutdownDaemon(path string) {
	rootPath, err := util.GetRootPath(path)
	if err != nil {
		logger.Infof("pkdnsd->shutdownDaemon: GetRootPath: %v", err)
		return
	}
	file, err := os.Open(pidFileName(rootPath))
	if err != nil {
		logger.Infof("pkdnsd->shutdownDaemon: failed to open pid file: %v", err)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		logger.Infof("pkdnsd->shutdownDaemon: failed to read pid file: %v", err)
		return
	}
	pid, err := strconv.Atoi(strings.TrimRight(string(content), "\r\n"))
	if err != nil {
		logger.Errorf("pkdnsd->shutdownDaemon: pid file content is not a number: %v", err)
		return
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		logger.Infof("pkdnsd->shutdownDaemon: failed to find process: %v", err)
		return
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		logger.Infof("pkdnsd->shutdownDaemon: failed to terminate process: %v", err)
		return
	}
	logger.Info("pkdnsd->shutdownDaemon: process terminated successfully")
}
