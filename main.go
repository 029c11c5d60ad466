// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/joho/godotenv"
	"github.com/ttbt-io/wicketkeeper/backend"
)

// config holds the command line. Server options are bound in place; the
// rest feeds values that main builds before starting the server.
type config struct {
	opts backend.Options

	tlsCert, tlsKey string

	redisURL    string
	redisStream string
	redisMaxLen int64
}

func parseFlags(args []string) (*config, error) {
	c := &config{}
	o := &c.opts
	fset := flag.NewFlagSet("wicketkeeper", flag.ExitOnError)

	fset.StringVar(&o.Addr, "addr", ":8080", "The TCP address to listen to")
	fset.StringVar(&o.DataDir, "data-dir", "data", "Directory for match and team data")
	fset.BoolVar(&o.Debug, "debug", false, "Enable debug mode")
	fset.BoolVar(&o.UseMockAuth, "use-mock-auth", false, "Use Mock Authentication. For testing purposes only.")
	fset.StringVar(&c.tlsCert, "tls-cert", "", "Path to main HTTP TLS certificate")
	fset.StringVar(&c.tlsKey, "tls-key", "", "Path to main HTTP TLS key")

	fset.BoolVar(&o.RaftEnabled, "raft", false, "Enable Raft consensus")
	fset.StringVar(&o.RaftBind, "raft-bind", ":8081", "Address for Raft TCP transport")
	fset.StringVar(&o.RaftAdvertise, "raft-advertise", "", "Public address for Raft traffic (required with --raft)")
	fset.StringVar(&o.RaftJoin, "raft-join", "", "Cluster API address of a node to join")
	fset.BoolVar(&o.RaftBootstrap, "raft-bootstrap", false, "Bootstrap the Raft cluster (first node only)")
	fset.StringVar(&o.RaftSecret, "raft-secret", os.Getenv("WK_RAFT_SECRET"), "Shared secret for cluster authentication (default $WK_RAFT_SECRET)")
	fset.StringVar(&o.ClusterAddr, "cluster-addr", ":9090", "Address for the internal cluster API")
	fset.StringVar(&o.ClusterAdvertise, "cluster-advertise", "", "Public address for internal cluster traffic (required with --raft)")

	fset.StringVar(&o.AuthCookieName, "auth-cookie-name", "wicketkeeper_auth", "Name of the cookie containing the JWT")
	fset.StringVar(&o.AuthJWKSURL, "auth-jwks-url", "", "URL of the JWKS endpoint")
	fset.StringVar(&o.BootstrapAdmin, "admin", "", "Email of temporary admin user for bootstrapping access policy")

	fset.StringVar(&c.redisURL, "redis-url", os.Getenv("WK_REDIS_URL"), "Redis URL for the match event stream (default $WK_REDIS_URL)")
	fset.StringVar(&c.redisStream, "redis-stream", "matches.updates", "Redis stream receiving match events")
	fset.Int64Var(&c.redisMaxLen, "redis-max-len", 10000, "Approximate maximum length of the event stream")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	o.UseProductionTimeouts = true
	return c, c.validate()
}

func (c *config) validate() error {
	o := &c.opts
	if !o.RaftEnabled {
		return nil
	}
	switch {
	case o.RaftAdvertise == "":
		return errors.New("--raft-advertise is required when Raft is enabled")
	case o.ClusterAdvertise == "":
		return errors.New("--cluster-advertise is required when Raft is enabled")
	case o.RaftSecret == "":
		return errors.New("--raft-secret is required when Raft is enabled")
	case o.RaftBootstrap && o.RaftJoin != "":
		return errors.New("--raft-bootstrap and --raft-join are mutually exclusive")
	}
	return nil
}

func (c *config) loadCert() (*tls.Certificate, error) {
	if c.tlsCert == "" || c.tlsKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.tlsCert, c.tlsKey)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (c *config) publisher() (*backend.StreamPublisher, error) {
	if c.redisURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := backend.NewStreamPublisherFromURL(ctx, c.redisURL, c.redisStream, c.redisMaxLen)
	if err != nil {
		return nil, err
	}
	log.Printf("Publishing match events to Redis stream %s", c.redisStream)
	return p, nil
}

func main() {
	// A .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	opts := cfg.opts

	if opts.Cert, err = cfg.loadCert(); err != nil {
		log.Fatalf("Failed to load main TLS cert/key: %v", err)
	}
	if opts.MasterKey, err = backend.LoadMasterKey(opts.DataDir, os.Getenv("WK_MASTER_KEY"), true); err != nil {
		log.Fatalf("Critical Security Error: %v. Refusing to start.", err)
	}
	opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	opts.Storage.EnableCompression(true)
	if opts.Publisher, err = cfg.publisher(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	server, err := backend.StartServer(opts)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		return
	}
	log.Println("Gracefully stopped.")
}
