package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vycore/constant"
	"vycore/internal/api/v1"
	"vycore/internal/app"
	"vycore/internal/daemon"
	"vycore/process"
)

func listenUnixSocket(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove existing UNIX socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	socket, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("error while serving UNIX socket: %w", err)
	}
	// the socket is for root and the vyattacfg group
	_ = os.Chmod(path, 0o660)
	return socket, nil
}

// serve runs srv on l until ctx is done.
func serve(ctx context.Context, srv *http.Server, l net.Listener, tlsOn bool) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	var err error
	if tlsOn {
		err = srv.ServeTLS(l, "", "")
	} else {
		err = srv.Serve(l)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func start(core *app.App) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s := core.Settings()
		h := v1.NewHandler(core)

		var syncSrv *http.Server
		var syncListener net.Listener
		if s.API.Listen != "" {
			tlsCfg, err := core.TLSConfig()
			if err != nil {
				return err
			}
			syncListener, err = net.Listen("tcp", s.API.Listen)
			if err != nil {
				return fmt.Errorf("error while listening HTTPS: %w", err)
			}
			sr := chi.NewRouter()
			sr.Use(middleware.Recoverer)
			sr.Mount("/", v1.NewSyncRouter(h))
			syncSrv = &http.Server{
				Handler:           sr,
				TLSConfig:         tlsCfg,
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.Info().Str("listen", s.API.Listen).Msg("config-sync receiver enabled")
		}

		socket, err := listenUnixSocket(s.API.Socket)
		if err != nil {
			if syncListener != nil {
				_ = syncListener.Close()
			}
			return err
		}
		defer os.Remove(s.API.Socket)

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Mount("/api", v1.NewRouter(h))
		unixSrv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return core.Start(gctx)
		})
		g.Go(func() error {
			if err := serve(gctx, unixSrv, socket, false); err != nil {
				return fmt.Errorf("failed to serve UNIX socket: %w", err)
			}
			return nil
		})
		if syncSrv != nil {
			g.Go(func() error {
				if err := serve(gctx, syncSrv, syncListener, true); err != nil {
					return fmt.Errorf("failed to serve HTTPS: %w", err)
				}
				return nil
			})
		}
		return g.Wait()
	}
}

func main() {
	daemon.SetupLogging("vycored")
	runner, err := process.NewExecRunner(constant.EnvironmentFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment file")
	}
	// from here on the core owns the logger
	core := app.New(constant.SettingsFile, process.New(runner))

	daemon.Main("vycored", constant.PIDFile, start(core), func(os.Signal) {
		log.Info().Msg("reloading settings")
		if err := core.Reload(); err != nil {
			log.Error().Err(err).Msg("failed to reload settings")
		}
	}, syscall.SIGHUP)
}
