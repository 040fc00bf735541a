package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kilupskalvis/binstore/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the binary store over HTTP",
	Long: `Serve the binary store and reference store over HTTP.

API requests need "Authorization: Bearer <token>" when server.token (or
BINSTORE_SERVER_TOKEN) is set. POST /admin/gc is enabled only when
server.admin_token (or BINSTORE_ADMIN_TOKEN) is set.`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

var (
	serveListen  string
	serveTLSCert string
	serveTLSKey  string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from server.listen)")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS key file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initFullContext(ctx)
	defer c.Close()

	sc := c.Config.Server
	listen := sc.Listen
	if serveListen != "" {
		listen = serveListen
	}

	cfg := server.DefaultConfig()
	cfg.Token = sc.Token
	cfg.AdminToken = sc.AdminToken
	cfg.MaxBlobSize = sc.MaxBlobSize
	cfg.RequestsPerMinute = sc.RequestsPerMinute
	cfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: sc.WebhookURLs}, logger)
	if cfg.Webhooks != nil {
		logger.Info("webhooks configured", "count", len(sc.WebhookURLs))
	}

	h, handlerCleanup := server.Handler(c.Manager, c.Refs, cfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:         listen,
		Handler:      h,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Warn("starting binstore server", "listen", listen, "scope", c.Manager.Scope())
		var err error
		if serveTLSCert != "" && serveTLSKey != "" {
			err = srv.ListenAndServeTLS(serveTLSCert, serveTLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			exitError("server error: %v", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
