// Command ftnode is the spare-node agent. It offers itself to the
// coordinator as a free node and rebuilds entities the recovery process
// hands it.
//
// Endpoints:
//   - GET  /health              liveness probe used by the failure detector
//   - POST /restore             rebuild an entity from a checkpoint and log
//   - GET  /entities            list hosted replicas
//   - GET  /entities/{id}       one replica, with its state
//   - POST /entities/{id}/apply apply a live log entry
//   - DELETE /entities/{id}     stop and drop a replica
//
// Example:
//
//	ftnode --id spare-1 --listen :9001 --addr http://10.0.0.5:9001 --coordinator http://10.0.0.1:8090
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/ftserver/internal/cluster"
)

var logFatal = log.Fatalf

type nodeOptions struct {
	id          string
	listen      string
	addr        string
	coordinator string
}

func newRootCommand() *cobra.Command {
	opts := &nodeOptions{}
	cmd := &cobra.Command{
		Use:           "ftnode",
		Short:         "Spare-node agent that restores recovered entities",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.id == "" || opts.coordinator == "" {
				return errors.New("--id and --coordinator are required")
			}
			if opts.addr == "" {
				opts.addr = "http://127.0.0.1" + opts.listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.id, "id", os.Getenv("NODE_ID"), "node identifier")
	flags.StringVar(&opts.listen, "listen", ":9001", "address to listen on")
	flags.StringVar(&opts.addr, "addr", os.Getenv("NODE_ADDR"), "public address reported to the coordinator")
	flags.StringVar(&opts.coordinator, "coordinator", os.Getenv("COORDINATOR_ADDR"), "coordinator base URL")
	return cmd
}

func run(ctx context.Context, opts *nodeOptions) error {
	node := NewNode(opts.id, opts.addr)

	s := &http.Server{
		Addr:              opts.listen,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", opts.id, opts.listen, opts.addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(ctx, opts.coordinator, cluster.SpareNode{ID: opts.id, Addr: opts.addr})

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("node stopped")
	return nil
}

// register offers the node to the coordinator's spare pool, retrying while
// the coordinator comes up.
func register(ctx context.Context, coord string, node cluster.SpareNode) {
	body := cluster.FreeNodeRequest{Node: node}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, cluster.JoinURL(coord, "/resources/free"), body, nil)
		if lastErr == nil {
			log.Printf("registered as spare node with coordinator @ %s", coord)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Printf("ftnode: %v", err)
		os.Exit(1)
	}
}
