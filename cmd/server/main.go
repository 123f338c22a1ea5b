// Command server runs the Antigravity gateway: a local HTTP listener that
// exposes the Anthropic Messages API and the OpenAI Chat Completions API,
// fulfilling both from a pool of Google Cloud Code accounts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/badri-s2001/antigravity-gateway/internal/accountpool"
	"github.com/badri-s2001/antigravity-gateway/internal/buildinfo"
	"github.com/badri-s2001/antigravity-gateway/internal/credbroker"
	"github.com/badri-s2001/antigravity-gateway/internal/dispatch"
	"github.com/badri-s2001/antigravity-gateway/internal/gateway"
	"github.com/badri-s2001/antigravity-gateway/internal/logging"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
)

func main() {
	var (
		addr         = flag.String("addr", ":8045", "listen address")
		accountsPath = flag.String("accounts", "accounts.json", "path to the account pool JSON file")
		settingsPath = flag.String("config", "", "optional path to a YAML settings file overlaid on the defaults")
		clientID     = flag.String("oauth-client-id", os.Getenv("ANTIGRAVITY_OAUTH_CLIENT_ID"), "Google OAuth client id used for the refresh_token grant")
		clientSecret = flag.String("oauth-client-secret", os.Getenv("ANTIGRAVITY_OAUTH_CLIENT_SECRET"), "Google OAuth client secret used for the refresh_token grant")
		showVersion  = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("antigravity-gateway %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	settings := poolconfig.DefaultSettings()
	if *settingsPath != "" {
		loaded, err := poolconfig.LoadSettingsFile(*settingsPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load settings file")
		}
		settings = loaded
	}

	store := accountpool.NewFileStore(*accountsPath)
	pool := accountpool.New(store, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize account pool")
	}
	defer pool.Close()

	broker := credbroker.New(settings, *clientID, *clientSecret, pool.MarkInvalid)
	sig := sigcache.New(settings.SignatureCacheCapacity)
	dispatcher := dispatch.New(pool, broker, sig, settings)
	gw := gateway.New(dispatcher, settings)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())

	engine.GET("/health", handleHealth)
	engine.POST("/v1/messages", handleMessages(gw))
	engine.POST("/v1/chat/completions", handleChatCompletions(gw))
	engine.GET("/v1/models", handleModels(gw))

	srv := &http.Server{Addr: *addr, Handler: engine}

	go func() {
		log.WithField("addr", *addr).Info("antigravity gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
}

// handleMessages implements POST /v1/messages. Routing itself (method/path
// dispatch, auth, CORS) is a collaborator concern per SPEC_FULL.md §1; this
// handler is the thinnest possible shim over gateway.Gateway.
func handleMessages(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, dispatch.NewInvalidRequest("failed to read request body"))
			return
		}

		if wantsStream(body) {
			events, errCh := gw.MessagesStream(c.Request.Context(), body)
			streamSSE(c, events, errCh)
			return
		}

		out, err := gw.Messages(c.Request.Context(), body)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
	}
}

func handleChatCompletions(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, dispatch.NewInvalidRequest("failed to read request body"))
			return
		}

		if wantsStream(body) {
			events, errCh := gw.ChatCompletionsStream(c.Request.Context(), body)
			streamSSE(c, events, errCh)
			return
		}

		out, err := gw.ChatCompletions(c.Request.Context(), body)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
	}
}

func handleModels(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := gw.Models(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
	}
}

func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// streamSSE drains events onto the response as they arrive, flushing after
// every frame so a client sees each event as soon as the upstream emits it,
// then surfaces any terminal error via errCh. A failure after streaming has
// started cannot change the HTTP status; the stream is simply closed, per
// SPEC_FULL.md §7.
func streamSSE(c *gin.Context, events <-chan []byte, errCh <-chan error) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	for frame := range events {
		_, _ = c.Writer.Write(frame)
		if ok {
			flusher.Flush()
		}
	}
	if err, ok := <-errCh; ok && err != nil {
		log.WithError(err).Warn("stream ended with error")
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := dispatch.KindAPI
	if derr, ok := err.(*dispatch.Error); ok {
		status = derr.StatusCode()
		kind = derr.Kind
	}
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    kind,
			"message": err.Error(),
		},
	})
}
