package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/api"
)

var (
	serverPort int
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the CA REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		a := api.New(env.engine, env.ledger, env.store, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", serverPort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := tlsCert != "" && tlsKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("signet CA %s serving on port %d (data: %s)\n", Version, serverPort, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			return <-done
		case err := <-done:
			return err
		}
	},
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 8443, "listen port")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file (plain HTTP when unset)")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS private key file")
	rootCmd.AddCommand(serverCmd)
}
