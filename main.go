package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"golang.org/x/sync/errgroup"

	"tripchat/internal/chat"
	"tripchat/internal/config"
	"tripchat/internal/restapi"
	"tripchat/internal/storage"
	"tripchat/internal/transport"
)

// openConsole starts the interactive console. onKey is called on every
// keystroke.
type openConsole func(onKey func()) (console, error)

func openReadline(onKey func()) (console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		Listener: readline.FuncListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
			if key != 0 && key != readline.CharEnter && key != readline.CharInterrupt {
				onKey()
			}
			return nil, 0, false
		}),
	})
	if err != nil {
		return nil, err
	}
	return rl, nil
}

func run(ctx context.Context, open openConsole) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	token := cfg.TokenProvider()
	client, err := chat.New(chat.Config{
		RoomID: cfg.Room,
		UserID: cfg.UserID,
		Role:   cfg.Role,
		Token:  token,
		Factory: transport.NewWebSocketFactory(transport.WebSocketConfig{
			URL:    cfg.WSURL,
			Logger: logger,
		}),
		REST: restapi.New(restapi.Config{
			BaseURL: cfg.APIURL,
			Token:   token,
			Logger:  logger,
		}),
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		BaseDelay:         cfg.ReconnectBase,
		BackoffCap:        cfg.ReconnectBackoffCap(),
		MaxAttempts:       cfg.MaxAttempts,
		AckTimeout:        cfg.AckTimeout,
		TypingIdle:        cfg.TypingIdle,
		FallbackGrace:     cfg.FallbackGrace,
		PollInterval:      cfg.PollInterval,
	})
	if err != nil {
		return err
	}
	defer client.Dispose()

	con, err := open(client.Input)
	if err != nil {
		return err
	}

	term := newTerminal(client, store, cfg.UserID, con.Stdout(), logger)
	term.load()
	client.Connect()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return term.run(gCtx, con)
	})

	// Close the live channel as soon as input ends or a signal arrives.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Debug("disconnecting")
		client.Disconnect()
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, openReadline); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("tripchat failed", "error", err)
		os.Exit(1)
	}
}
