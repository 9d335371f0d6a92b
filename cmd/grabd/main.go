// Package main implements the grabd CLI: start a node, publish a site to
// it, and inspect what is running.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mwillis775/grabnet/pkg/bundler"
	"github.com/mwillis775/grabnet/pkg/grab"
	"github.com/mwillis775/grabnet/pkg/hashsign"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = startCommand(os.Args[2:])
	case "publish":
		err = publishCommand(os.Args[2:])
	case "sites":
		err = sitesCommand(os.Args[2:])
	case "keygen":
		err = keygenCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("grabd dev")
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`grabd - GrabNet node daemon

Usage:
  grabd start   [--data-dir DIR] [--p2p-addr ADDR] [--http-addr ADDR] [--quic]
  grabd publish [--data-dir DIR] [--name NAME] DIR
  grabd sites   [--data-dir DIR]
  grabd keygen  [--data-dir DIR] NAME
  grabd version
  grabd help`)
}

func openNode(dataDir string, listenAddr string, useQUIC bool) (*grab.Node, error) {
	tlsConfig, err := loadOrCreateTLSConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load TLS identity: %w", err)
	}

	cfg := grab.DefaultConfig()
	cfg.DataDir = dataDir
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	cfg.UseQUIC = useQUIC
	cfg.TLSConfig = tlsConfig
	return grab.New(cfg)
}

// loadOrCreateTLSConfig loads the node's persistent transport certificate
// from dataDir, generating and saving a self-signed one on first run. The
// substrate has no certificate authority to defer to (peers authenticate
// each other at the wire-frame layer with their Ed25519 identity, not the
// TLS handshake), so a node-local self-signed cert is the real credential,
// never a nil config silently downgraded to no verification.
func loadOrCreateTLSConfig(dataDir string) (*tls.Config, error) {
	certPath := filepath.Join(dataDir, "tls_cert.pem")
	keyPath := filepath.Join(dataDir, "tls_key.pem")

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return tlsConfigForCert(cert), nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{Organization: []string{"grabd"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load generated certificate: %w", err)
	}
	return tlsConfigForCert(cert), nil
}

// tlsConfigForCert builds the TLS config grabd hands to the substrate. The
// skip-verify here is an explicit, documented policy of this binary, not a
// library default: peers have no shared certificate authority, and are
// authenticated at the wire-frame layer by their Ed25519 signature instead
// (§7's publisher/peer identity model), so certificate-chain verification
// has nothing to check against.
func tlsConfigForCert(cert tls.Certificate) *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{cert}, InsecureSkipVerify: true}
}

// startCommand brings a node up: storage, publishing, the resolver gateway
// over HTTP, and P2P replication, then blocks until signaled.
func startCommand(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "node data directory")
	p2pAddr := fs.String("p2p-addr", "", "address the P2P substrate listens on")
	httpAddr := fs.String("http-addr", "127.0.0.1:8080", "address the HTTP resolver gateway listens on")
	useQUIC := fs.Bool("quic", false, "use QUIC instead of TCP for the P2P substrate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	node, err := openNode(*dataDir, *p2pAddr, *useQUIC)
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	fmt.Printf("Peer ID: %s\n", node.PeerId())
	fmt.Printf("Identity: %s (%s)\n", node.Identity().Name, hashsign.EncodeSiteId(hashsign.Sum(node.Identity().PublicKey)))

	httpServer := &http.Server{Addr: *httpAddr, Handler: node.Resolver}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "HTTP gateway error: %v\n", err)
		}
	}()
	fmt.Printf("HTTP gateway listening on %s\n", *httpAddr)
	fmt.Println("grabd running. Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	return node.Stop()
}

// publishCommand publishes a directory as a new revision of a named site
// using the node's default identity, without bringing the P2P substrate up
// for a standalone announce. While a running grabd holds the same data
// directory, publish blocks until that node releases its database lock.
func publishCommand(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "node data directory")
	name := fs.String("name", "", "site name (defaults to the directory's base name)")
	entry := fs.String("entry", "", "entry file (defaults to index.html)")
	compress := fs.Bool("compress", true, "gzip-compress compressible file types")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("publish requires exactly one directory argument")
	}
	dir := fs.Arg(0)
	siteName := *name
	if siteName == "" {
		siteName = filepath.Base(filepath.Clean(dir))
	}

	node, err := openNode(*dataDir, "", false)
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	defer node.Stop()

	bundle, err := node.Bundler.Publish(dir, bundler.PublishOptions{
		Name:       siteName,
		Entry:      *entry,
		Compress:   *compress,
		Publisher:  node.Identity().PublicKey,
		PrivateKey: node.Identity().PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	fmt.Printf("Published %s revision %d\n", siteName, bundle.Revision)
	fmt.Printf("Site ID: %s\n", hashsign.EncodeSiteId(bundle.SiteId))
	return nil
}

func sitesCommand(args []string) error {
	fs := flag.NewFlagSet("sites", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "node data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	node, err := openNode(*dataDir, "", false)
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	defer node.Stop()

	summaries, err := node.Bundles.List()
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Println("no sites published")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s\t%s\trevision %d\n", hashsign.EncodeSiteId(s.SiteId), s.Name, s.Revision)
	}
	return nil
}

func keygenCommand(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "node data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("keygen requires exactly one name argument")
	}
	name := fs.Arg(0)

	node, err := openNode(*dataDir, "", false)
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	defer node.Stop()

	id, err := node.Keys.Generate(name, uint64(time.Now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	fmt.Printf("Generated identity %q\n", id.Name)
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".grabd"
	}
	return filepath.Join(home, ".grabd")
}
