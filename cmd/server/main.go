// Package main is the entry point for the sandpool server.
//
// Sandpool provisions short-lived, resource-capped sandbox containers, one
// per user, and runs user-submitted code inside them on demand. The server
// exposes the pool over MCP on stdio or HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration. Process termination signals are handled by fx; the
// registered OnStop hook drains the sandbox pool before the process exits.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/krelab/sandpool/config"
	"github.com/krelab/sandpool/logger"
	"github.com/krelab/sandpool/mcpserver"
	"github.com/krelab/sandpool/sandbox"
	"github.com/krelab/sandpool/session"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			sandbox.NewConfig,
			sandbox.NewDockerEngine,
			sandbox.NewImageProvisioner,
			sandbox.NewExecRunner,
			session.NewStore,
			sandbox.NewPool,
			func(p *sandbox.Pool) mcpserver.SandboxManager { return p },

			mcpserver.New,
		),

		fx.Invoke(registerLifecycle),

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	engine sandbox.Engine,
	pool *sandbox.Pool,
	srv *mcpserver.MCPServer,
) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Warm up the image in the background so the first create is
			// fast; a concurrent create shares the in-flight provisioning.
			go func() {
				if err := pool.EnsureImage(context.Background()); err != nil {
					log.Error("startup image provisioning failed", zap.Error(err))
				}
			}()

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := srv.ServeStdio(); err != nil {
						log.Error("stdio server stopped", zap.Error(err))
					}
				}()
			case "http":
				go func() {
					if err := srv.ServeHTTP(); err != nil {
						log.Error("http server stopped", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Drain every active sandbox before the process exits.
			pool.CleanupAll(ctx)
			return engine.Close()
		},
	})
}
