package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/proofd/internal/api"
	"github.com/CZERTAINLY/proofd/internal/service"
)

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = contextAttrs(ctx, "serve")

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.WarnContext(ctx, "closing service", "error", err)
		}
	}()

	if config.Service.Verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Do(gctx); err != nil {
			return fmt.Errorf("service: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return api.Serve(gctx, config.Service.Addr, router)
	})
	err = g.Wait()
	slog.InfoContext(ctx, "proofd stopped", "error", err)
	return err
}
