package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"EduMind/internal/api"
	"EduMind/internal/cache"
	"EduMind/internal/chat"
	"EduMind/internal/config"
	"EduMind/internal/pacer"
	"EduMind/internal/session"
	"EduMind/internal/store"
	"EduMind/internal/stream"
	"EduMind/internal/telemetry"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported in telemetry resources.
const Version = "1.0.0"

// ChatBot represents the main application
type ChatBot struct {
	config  config.Config
	store   store.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	api     *api.Client
	history *cache.History
	ctrl    *chat.Controller
	user    session.User

	in     io.Reader
	out    io.Writer
	render *renderer

	mu    sync.Mutex // guards reply and phase
	reply *replyView
	phase string

	cleanup []func()
}

// Option configures a ChatBot.
type Option func(*ChatBot)

// WithIO replaces stdin/stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(cb *ChatBot) {
		cb.in = in
		cb.out = out
	}
}

// WithStore uses st instead of opening cfg.Store.
func WithStore(st store.Store) Option {
	return func(cb *ChatBot) { cb.store = st }
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config, opts ...Option) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cb := &ChatBot{
		config: cfg,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(cb)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cb.logger = logger
	cb.cleanup = append(cb.cleanup, closeLog)

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir, Version)
	if err != nil {
		cb.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	cb.tracer = tracer
	cb.meter = meter
	cb.cleanup = append(cb.cleanup, shutdown)

	if cb.store == nil {
		st, err := store.Open(cfg.Store)
		if err != nil {
			cb.Close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		cb.store = st
		cb.cleanup = append(cb.cleanup, func() {
			if err := st.Close(); err != nil {
				logger.Warn("failed to close store", "error", err)
			}
		})
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	if cfg.UserID != "" {
		if err := session.SaveUser(ctx, cb.store, session.User{ID: cfg.UserID}); err != nil {
			logger.Warn("failed to store user", "error", err)
		}
	}
	if u, ok := session.StoredUser(ctx, cb.store); ok {
		cb.user = u
		logger.Info("using stored user", "user_id", u.ID)
	}

	cb.api = api.New(cfg.APIURL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.Network.RequestTimeout}),
		api.WithIdentity(func() string { return cb.user.ID }),
		api.WithLogger(logger),
		api.WithTracer(tracer),
		api.WithMeter(meter),
	)
	cb.history = cache.NewHistory(cb.api, cfg.HistoryTTL, logger)

	header := http.Header{}
	if cb.user.ID != "" {
		header.Set(api.UserHeader, cb.user.ID)
	}
	ctrl, err := chat.NewController(chat.Options{
		Dialer:   &stream.WebSocketDialer{URL: cfg.StreamURL, Header: header, Logger: logger},
		Sessions: session.NewManager(cb.store, cb.api, logger),
		History:  cb.history,
		Remote:   cb.api,
		UserID:   func() string { return cb.user.ID },
		Logger:   logger,
		Meter:    meter,
		OnChange: cb.onChange,
	})
	if err != nil {
		cb.Close()
		return nil, fmt.Errorf("failed to create chat controller: %w", err)
	}
	cb.ctrl = ctrl

	cb.render = newRenderer(cb.out)
	return cb, nil
}

// Close releases the controller, store and telemetry.
func (cb *ChatBot) Close() error {
	if cb.ctrl != nil {
		cb.ctrl.Close()
	}
	for i := len(cb.cleanup) - 1; i >= 0; i-- {
		cb.cleanup[i]()
	}
	cb.cleanup = nil
	return nil
}

// replyView paces one streaming reply onto the terminal.
type replyView struct {
	ticket  chat.Ticket
	pacer   *pacer.Pacer
	printed int // bytes of the revealed prefix already written
}

// onChange runs on the controller goroutine.
func (cb *ChatBot) onChange(snap chat.Snapshot) {
	cb.mu.Lock()
	view := cb.reply
	phaseChanged := snap.Phase != "" && snap.Phase != cb.phase
	cb.phase = snap.Phase
	printedAny := view != nil && view.printed > 0
	cb.mu.Unlock()

	if view == nil || snap.Epoch != view.ticket.Epoch() {
		return
	}
	if phaseChanged && !printedAny {
		cb.render.phase(snap.Phase)
	}
	if msg, ok := view.ticket.Reply(snap); ok {
		view.pacer.Update(msg.Content)
	}
}

func (cb *ChatBot) reveal(view *replyView, revealed string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if view.printed == 0 {
		cb.render.botLabel()
	}
	if len(revealed) > view.printed {
		cb.render.write(revealed[view.printed:])
		view.printed = len(revealed)
	}
}

// sendMessage streams the reply to text and returns once it is fully shown.
func (cb *ChatBot) sendMessage(ctx context.Context, text string) error {
	ctx, span := cb.tracer.Start(ctx, "chat.send")
	defer span.End()

	view := &replyView{}
	view.pacer = pacer.New(cb.config.Pacer.Interval, cb.config.Pacer.Divisor, func(s string) {
		cb.reveal(view, s)
	})
	defer view.pacer.Stop()

	cb.mu.Lock()
	cb.phase = ""
	cb.mu.Unlock()

	ticket, err := cb.ctrl.Send(ctx, text)
	if err != nil {
		return err
	}

	// Events applied before this point are caught up by the first Update.
	cb.mu.Lock()
	view.ticket = ticket
	cb.reply = view
	cb.mu.Unlock()
	defer func() {
		cb.mu.Lock()
		cb.reply = nil
		cb.mu.Unlock()
	}()
	if msg, ok := ticket.Reply(cb.ctrl.Snapshot()); ok {
		view.pacer.Update(msg.Content)
	}

	reqErr := ticket.Wait(ctx)
	if msg, ok := ticket.Reply(cb.ctrl.Snapshot()); ok {
		view.pacer.Update(msg.Content)
		if err := view.pacer.Wait(ctx); err != nil {
			return err
		}
		cb.mu.Lock()
		printed := view.printed
		cb.mu.Unlock()
		if printed > 0 {
			cb.render.endReply(msg.Model)
		}
	}

	if reqErr != nil && !errors.Is(reqErr, chat.ErrSuperseded) && !errors.Is(reqErr, context.Canceled) {
		// The failure notice is already part of the reply.
		span.RecordError(reqErr)
		cb.logger.Warn("chat request ended with error", "error", reqErr)
	}
	return nil
}

// Resume shows the last session, or a greeting when there is none.
func (cb *ChatBot) Resume(ctx context.Context) error {
	resumed, err := cb.ctrl.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	if !resumed {
		cb.render.greeting()
		return nil
	}
	snap := cb.ctrl.Snapshot()
	cb.render.history(snap.SessionID, snap.Messages)
	return nil
}

// ListSessions returns the sessions of the last days.
func (cb *ChatBot) ListSessions(ctx context.Context, days int) ([]session.Summary, error) {
	if days < 1 {
		days = cb.config.HistoryDays
	}
	return cb.api.ListChats(ctx, days)
}

// PrintSessions writes a session listing, marking the active one.
func (cb *ChatBot) PrintSessions(ctx context.Context, days int) error {
	chats, err := cb.ListSessions(ctx, days)
	if err != nil {
		return err
	}
	cb.render.sessions(chats, cb.ctrl.Snapshot().SessionID)
	return nil
}

// DeleteSession deletes id, resetting the view when it is active.
func (cb *ChatBot) DeleteSession(ctx context.Context, id string) error {
	return cb.ctrl.Delete(ctx, id)
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		if err := cb.ctrl.NewChat(ctx); err != nil {
			return false, err
		}
		cb.render.notice("Started a new chat.")
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <session-id>")
		}
		if err := cb.ctrl.SwitchTo(ctx, parts[1]); err != nil {
			return false, err
		}
		snap := cb.ctrl.Snapshot()
		cb.render.history(snap.SessionID, snap.Messages)
		return false, nil

	case "/history":
		days := cb.config.HistoryDays
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n < 1 {
				return false, fmt.Errorf("usage: /history [days]")
			}
			days = n
		}
		return false, cb.PrintSessions(ctx, days)

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <session-id>")
		}
		if err := cb.DeleteSession(ctx, parts[1]); err != nil {
			return false, err
		}
		cb.render.notice("Deleted session " + parts[1] + ".")
		return false, nil

	case "/help":
		cb.render.help()
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, try /help", parts[0])
	}
}

// Run starts the chat REPL
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.Close()

	cb.render.banner()
	if err := cb.Resume(ctx); err != nil {
		cb.render.fail(err)
		cb.logger.Error("failed to resume", "error", err)
	}

	scanner := bufio.NewScanner(cb.in)
	for {
		cb.render.prompt()
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.render.fail(err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.sendMessage(ctx, input); err != nil {
			cb.render.fail(err)
			cb.logger.Error("failed to send message", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	cb.render.notice("Goodbye!")
	return nil
}
