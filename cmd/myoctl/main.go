package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/api"
	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/service"
)

func main() {
	path := flag.String("config", "", "myoctl TOML config path (built-in defaults when empty)")
	flag.Parse()

	logger := observability.InitLogger("myoctl")
	gin.SetMode(gin.ReleaseMode)

	cfg := service.DefaultConfig()
	if *path != "" {
		loaded, err := loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "myoctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "myoctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg service.Config, logger zerolog.Logger) error {
	svc, err := service.New(cfg)
	if err != nil {
		return err
	}
	srv := api.New(api.Config{
		Addr:        cfg.APIAddr,
		CORSOrigins: cfg.CORSOrigins,
		Token:       cfg.APIToken,
	}, svc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	err = g.Wait()
	logs.Infof("myoctl.run stopped err=%v", err)
	return err
}
