package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/linearsync/internal/config"
	"github.com/agentworkforce/linearsync/internal/httpapi"
	"github.com/agentworkforce/linearsync/internal/linear"
	"github.com/agentworkforce/linearsync/internal/notify"
	"github.com/agentworkforce/linearsync/internal/queue"
	"github.com/agentworkforce/linearsync/internal/relay"
	"github.com/agentworkforce/linearsync/internal/slack"
	"github.com/agentworkforce/linearsync/internal/spool"
)

const greetingFormat = "Hello <@%s>! I'm automatically syncing unsynced Linear issues with Slack threads."

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Slack and sync new Linear issue notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

// runServe starts the health server, the worker pool, the optional spool
// and finally the Slack connection, in that order, and tears them down in
// reverse once ctx is cancelled. An unreachable queue backend, failing to
// bind the health address or failing to establish the first Slack
// connection is fatal.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	q, err := queue.BuildFromDSN(cfg.Relay.QueueDSN, cfg.Relay.QueueSize)
	if err != nil {
		return fmt.Errorf("notification queue: %w", err)
	}
	defer q.Close()
	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.Relay.HTTPTimeout)
	err = queue.Ready(readyCtx, q)
	cancelReady()
	if err != nil {
		return fmt.Errorf("notification queue: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Relay.HTTPTimeout}
	linearClient := linear.NewClient(linear.ClientOptions{
		Endpoint:   cfg.Linear.APIURL,
		APIKey:     cfg.Linear.APIKey,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	allow := notify.NewAllowlist(cfg.Slack.EmitterIDs)
	if allow.Len() == 0 {
		logger.Warn("no emitter ids configured, no notification will be synced")
	}
	pipeline, err := relay.NewPipeline(relay.PipelineOptions{
		Allowlist: allow,
		Resolver:  linearClient,
		Linker:    linearClient,
		Workspace: cfg.Slack.Workspace,
		Domain:    cfg.Slack.Domain,
		Recent:    relay.NewRecentSet(cfg.Relay.DedupWindow, 0),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	dispatcher, err := relay.NewDispatcher(relay.DispatcherOptions{
		Queue:     q,
		Handler:   pipeline,
		Allowlist: allow,
		Workers:   cfg.Relay.Workers,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var watcher *spool.Watcher
	if cfg.Relay.SpoolDir != "" {
		watcher, err = spool.NewWatcher(spool.WatcherOptions{
			Dir:       cfg.Relay.SpoolDir,
			Submitter: dispatcher,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
	}

	readiness := &httpapi.Readiness{}
	health := httpapi.NewHTTPServer(httpapi.HTTPServerConfig{
		Address:         cfg.Health.Addr,
		Handler:         httpapi.NewServer(httpapi.ServerConfig{Readiness: readiness, Queue: dispatcher}),
		ShutdownTimeout: cfg.Relay.ShutdownGrace,
		Logger:          logger,
	})
	if err := health.Listen(); err != nil {
		return fmt.Errorf("health server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		if err := health.Serve(runCtx); err != nil {
			logger.Error("health server stopped", "err", err)
		}
	}()

	dispatcher.Start()

	if watcher != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := watcher.Run(runCtx); err != nil {
				logger.Error("spool watcher stopped", "err", err)
			}
		}()
	}

	web := slack.NewWebClient(slack.WebClientOptions{
		BaseURL:    cfg.Slack.APIURL,
		AppToken:   cfg.Slack.AppToken,
		BotToken:   cfg.Slack.BotToken,
		HTTPClient: httpClient,
	})
	greetings := &greeter{
		web:     web,
		enabled: cfg.Relay.Greeting,
		timeout: cfg.Relay.HTTPTimeout,
		logger:  logger,
	}
	socket := slack.NewSocketClient(slack.SocketClientOptions{
		Connector:    web,
		Logger:       logger,
		OnMessage:    submitMessages(dispatcher, logger),
		OnMention:    greetings.greet,
		OnReady:      readiness.MarkConnected,
		OnDisconnect: readiness.MarkDisconnected,
	})

	logger.Info("linearsync starting", "workspace", cfg.Slack.Workspace, "emitters", allow.Len(), "workers", cfg.Relay.Workers)
	socketErr := socket.Run(runCtx)
	if socketErr != nil {
		logger.Error("slack connection failed", "err", socketErr)
	} else {
		logger.Info("shutting down", "grace", cfg.Relay.ShutdownGrace.String())
	}
	cancel()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.Relay.ShutdownGrace)
	defer cancelGrace()
	shutdownErr := dispatcher.Shutdown(graceCtx)
	greetings.wait(graceCtx)
	background.Wait()

	if socketErr != nil {
		return socketErr
	}
	if shutdownErr != nil {
		return &ExitError{Code: 1, Err: shutdownErr}
	}
	logger.Info("linearsync stopped")
	return nil
}

// submitMessages forwards Socket Mode message events to the dispatcher.
// Full or failing queues are logged by the dispatcher itself.
func submitMessages(dispatcher *relay.Dispatcher, logger *slog.Logger) func(context.Context, slack.MessageEvent, int) {
	return func(ctx context.Context, event slack.MessageEvent, retryAttempt int) {
		if retryAttempt > 0 {
			logger.Debug("slack redelivered message event", "channel", event.Channel, "ts", event.TS, "retry_attempt", retryAttempt)
		}
		if err := dispatcher.Submit(event.Notification()); errors.Is(err, relay.ErrClosed) {
			logger.Debug("message arrived during shutdown, not queued", "channel", event.Channel, "ts", event.TS)
		}
	}
}

// greeter answers app mentions. Replies are posted off the socket read loop.
type greeter struct {
	web     *slack.WebClient
	enabled bool
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func (g *greeter) greet(ctx context.Context, event slack.MentionEvent) {
	g.logger.Info("bot mentioned", "user", event.User, "channel", event.Channel)
	if !g.enabled || event.User == "" || event.Channel == "" {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		postCtx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.web.PostMessage(postCtx, event.Channel, fmt.Sprintf(greetingFormat, event.User), ""); err != nil {
			g.logger.Warn("greeting failed", "channel", event.Channel, "err", err)
		}
	}()
}

func (g *greeter) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
