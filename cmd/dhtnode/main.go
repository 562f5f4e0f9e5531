// Package main provides a standalone DHT node: bind a UDP socket,
// bootstrap against a seed list, and serve queries until interrupted.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xlgjjff/torrentcore/internal/dht"
)

var (
	listenAddr = flag.String("listen", ":0", "UDP listen address")
	bootstrap  = flag.String("bootstrap", "", "comma-separated bootstrap host:port list")
	bucketSize = flag.Int("bucket-size", 8, "routing table k")
	alpha      = flag.Int("alpha", 3, "traversal concurrency")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dhtnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	socket, err := dht.ListenUDP(*listenAddr)
	if err != nil {
		return err
	}
	defer socket.Close()

	var id dht.NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return err
	}

	cfg := dht.DefaultConfig()
	cfg.BucketSize = *bucketSize
	cfg.Alpha = *alpha
	if err := cfg.Validate(); err != nil {
		return err
	}

	node := dht.NewNode(id, cfg, socket, func(b []byte) { rand.Read(b) })
	node.Start()
	defer node.Stop()

	go socket.Serve(node.HandlePacket)

	fmt.Printf("dht node %x listening on %s\n", id[:4], socket.LocalEndpoint())

	if *bootstrap != "" {
		seedBootstrap(node, strings.Split(*bootstrap, ","))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// seedBootstrap pings each seed directly to prime the routing table,
// then runs a find_node traversal against our own id so the table
// fills in beyond the seed list itself.
func seedBootstrap(node *dht.Node, seeds []string) {
	for _, s := range seeds {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if err := node.Ping(dht.Endpoint(s)); err != nil {
			fmt.Fprintf(os.Stderr, "dhtnode: seed %s unreachable: %v\n", s, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := node.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dhtnode: bootstrap traversal: %v\n", err)
	}
}
