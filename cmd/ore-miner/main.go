// Command ore-miner is the mining client: it dials a pool server, proves its
// identity, mines whatever nonce range it is dispatched, and streams back
// improving solutions until the epoch's cutoff.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orepool/orepool/internal/auth"
	"github.com/orepool/orepool/internal/util"
	"github.com/orepool/orepool/internal/workerclient"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8080", "pool server base URL")
	keypairPath := flag.String("keypair", "", "path to a wallet keypair file; a throwaway keypair is generated if empty")
	address := flag.String("address", "", "this worker's registration address; defaults to the keypair's pubkey hex")
	threads := flag.Int("threads", 0, "hash search worker count; 0 uses all available cores")
	buffer := flag.Duration("buffer", 2*time.Second, "time reserved before the epoch cutoff for the final submission round-trip")
	logLevel := flag.String("log-level", "info", "log level")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ore-miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if err := util.InitLogger(*logLevel, "console", ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()
	util.Infof("ore-miner v%s starting", version)

	signer, err := loadOrGenerateSigner(*keypairPath)
	if err != nil {
		util.Fatalf("failed to load wallet: %v", err)
	}
	util.Infof("mining as %x", signer.PublicKey())

	client := workerclient.NewClient(workerclient.Config{
		ServerURL: *serverURL,
		Address:   *address,
		Signer:    signer,
		Threads:   *threads,
		Buffer:    *buffer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		util.Info("shutting down, finishing the in-flight assignment...")
		client.Stop()
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		util.Fatalf("worker client stopped: %v", err)
	}
	util.Info("ore-miner stopped")
}

// loadOrGenerateSigner loads an ed25519 signer from a wallet keypair file, or
// mints a throwaway keypair when none is configured — convenient for trying
// the client against a local pool without provisioning a wallet first.
func loadOrGenerateSigner(path string) (auth.Signer, error) {
	if path != "" {
		priv, err := auth.LoadKeypairFile(path)
		if err != nil {
			return nil, err
		}
		return auth.NewEd25519Signer(priv), nil
	}

	pub, priv, err := workerclient.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate throwaway keypair: %w", err)
	}
	util.Warnf("no -keypair given, mining with a throwaway identity (%x); earned rewards are unclaimable without this key", pub)
	return auth.NewEd25519Signer(priv), nil
}
