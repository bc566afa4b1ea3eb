package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/run-orchestrator/internal/observer"
	"github.com/hochfrequenz/run-orchestrator/web/api"
)

var (
	servePort     int
	serveNoWeb    bool
	serveInboxDir string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an orchestrator instance with its worker endpoint and admin API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "admin API port (default: web.port)")
	serveCmd.Flags().BoolVar(&serveNoWeb, "no-web", false, "do not serve the admin API")
	serveCmd.Flags().StringVar(&serveInboxDir, "inbox", "", "run-spec inbox directory (default: inbox.dir)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()
	cfg := inst.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inboxDir := serveInboxDir
	if inboxDir == "" {
		inboxDir = cfg.Inbox.Dir
	}
	if inboxDir != "" {
		inbox, err := observer.NewInbox(inboxDir, inst.engine)
		if err != nil {
			return err
		}
		if err := inbox.Start(ctx); err != nil {
			return err
		}
		defer inbox.Stop()
		log.Printf("watching inbox %s", inboxDir)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inst.engine.Run(ctx) })

	if !serveNoWeb {
		port := servePort
		if port == 0 {
			port = cfg.Web.Port
		}
		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
		server := api.NewServer(inst.engine, addr)
		g.Go(func() error { return server.Start(ctx) })
		log.Printf("admin API at http://%s/api", addr)
	}

	if cfg.Workers.WebSocketPort > 0 {
		log.Printf("worker endpoint at ws://0.0.0.0:%d/ws", cfg.Workers.WebSocketPort)
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
