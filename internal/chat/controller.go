package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"EduMind/internal/session"
	"EduMind/internal/stream"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

var (
	// ErrClosed is returned by calls on a closed controller.
	ErrClosed = errors.New("chat controller is closed")
	// ErrSuperseded ends a request invalidated by a later send, switch or reset.
	ErrSuperseded = errors.New("request superseded")
	// ErrEmptyMessage rejects a send with no text.
	ErrEmptyMessage = errors.New("message is empty")
)

// History loads the stored messages of a session.
type History interface {
	ListMessages(ctx context.Context, id string) ([]session.Message, error)
}

// Remote deletes sessions on the collaborator.
type Remote interface {
	DeleteChat(ctx context.Context, id string) error
}

type invalidator interface {
	Invalidate(id string)
}

// Options wires a Controller.
type Options struct {
	Dialer   stream.Dialer
	Sessions *session.Manager
	History  History
	Remote   Remote

	// UserID returns the id carried in initiation frames; nil or "" sends null.
	UserID func() string
	Logger *slog.Logger
	Meter  metric.Meter

	// OnChange receives a copy of the view after every applied mutation. It
	// runs on the controller goroutine and must not call back into it.
	OnChange func(Snapshot)
}

// Ticket tracks one sent message.
type Ticket struct {
	r *request
}

// Done is closed once the request terminated or was invalidated.
func (t Ticket) Done() <-chan struct{} { return t.r.done }

// Err is nil after a normal end, a *stream.ServerError or *stream.TransportError
// after a failed one, ErrSuperseded after invalidation. Valid once Done is closed.
func (t Ticket) Err() error {
	select {
	case <-t.r.done:
		return t.r.err
	default:
		return nil
	}
}

// Epoch returns the epoch tagging the request.
func (t Ticket) Epoch() uint64 { return t.r.epoch }

// Reply returns the assistant message answering this request in snap, if any.
func (t Ticket) Reply(snap Snapshot) (session.Message, bool) {
	i := t.r.reply
	if i >= len(snap.Messages) || snap.Messages[i].Role != session.RoleAssistant {
		return session.Message{}, false
	}
	if snap.Epoch != t.r.epoch {
		return session.Message{}, false
	}
	return snap.Messages[i], true
}

// Wait blocks until the request is done.
func (t Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.r.done:
		return t.r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request is the loop-side record of one send.
type request struct {
	epoch   uint64
	reply   int // index the reply takes in the list
	started time.Time
	conn    stream.Conn
	done    chan struct{}
	err     error
}

func (r *request) finish(err error) {
	select {
	case <-r.done:
		return
	default:
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.err = err
	close(r.done)
}

type envelope struct {
	epoch uint64
	ev    stream.Event
}

type command struct {
	fn   func()
	done chan struct{}
}

type instruments struct {
	requests metric.Int64Counter
	events   metric.Int64Counter
	stale    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// Controller owns a State. Commands and stream events are funneled through one
// goroutine, so transitions never race and stale events are dropped by epoch.
type Controller struct {
	opts   Options
	logger *slog.Logger
	inst   instruments

	events   chan envelope
	commands chan command
	quit     chan struct{}
	stopped  chan struct{}
	readers  sync.WaitGroup
	once     sync.Once

	// loop-owned
	state  *State
	active *request

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewController starts the controller goroutine.
func NewController(opts Options) (*Controller, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("chat controller needs a dialer")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("chat controller needs a session manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("edumind/chat")
	}
	inst, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:     opts,
		logger:   logger,
		inst:     inst,
		events:   make(chan envelope, 64),
		commands: make(chan command),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		state:    NewState(),
	}
	c.snap = c.state.Snapshot()

	go c.loop()
	return c, nil
}

func newInstruments(meter metric.Meter) (instruments, error) {
	var inst instruments
	var err error
	if inst.requests, err = meter.Int64Counter("chat.stream.requests",
		metric.WithDescription("Chat requests sent")); err != nil {
		return inst, fmt.Errorf("failed to create requests counter: %w", err)
	}
	if inst.events, err = meter.Int64Counter("chat.stream.events",
		metric.WithDescription("Stream events applied to the view")); err != nil {
		return inst, fmt.Errorf("failed to create events counter: %w", err)
	}
	if inst.stale, err = meter.Int64Counter("chat.stream.stale_discarded",
		metric.WithDescription("Events dropped after their request was invalidated")); err != nil {
		return inst, fmt.Errorf("failed to create stale counter: %w", err)
	}
	if inst.failures, err = meter.Int64Counter("chat.stream.failures",
		metric.WithDescription("Requests ended by an error frame or a dropped connection")); err != nil {
		return inst, fmt.Errorf("failed to create failures counter: %w", err)
	}
	if inst.duration, err = meter.Float64Histogram("chat.stream.duration",
		metric.WithDescription("Time from send to terminal event in milliseconds")); err != nil {
		return inst, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return inst, nil
}

func (c *Controller) loop() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			if c.active != nil {
				c.active.finish(ErrClosed)
				c.active = nil
			}
			return
		case cmd := <-c.commands:
			cmd.fn()
			close(cmd.done)
		case env := <-c.events:
			c.apply(env)
		}
	}
}

// exec runs fn on the controller goroutine and waits for it.
func (c *Controller) exec(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.commands <- cmd:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// A received command always runs to completion.
	<-cmd.done
	return nil
}

// deliver queues an event of the request tagged epoch.
func (c *Controller) deliver(epoch uint64, ev stream.Event) bool {
	select {
	case c.events <- envelope{epoch: epoch, ev: ev}:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) apply(env envelope) {
	ctx := context.Background()
	before := c.state.SessionID

	if err := c.state.Apply(env.epoch, env.ev); err != nil {
		c.inst.stale.Add(ctx, 1)
		c.logger.Debug("discarded stale event", "epoch", env.epoch, "current_epoch", c.state.Epoch,
			"kind", env.ev.Kind.String(), "error", err)
		return
	}
	c.inst.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", env.ev.Kind.String())))

	if id := c.state.SessionID; id != before && id != "" {
		c.opts.Sessions.Set(ctx, id)
		c.logger.Info("server assigned session", "session_id", id, "epoch", env.epoch)
	}
	if env.ev.Kind == stream.KindStatus {
		c.logger.Debug("processing phase", "phase", env.ev.Text, "epoch", env.epoch)
	}

	if !env.ev.Terminal() || c.active == nil || c.active.epoch != env.epoch {
		c.publish()
		return
	}

	r := c.active
	c.active = nil
	c.inst.duration.Record(ctx, float64(time.Since(r.started).Milliseconds()))

	var err error
	switch env.ev.Kind {
	case stream.KindError, stream.KindClosed:
		err = env.ev.Err
		if err == nil {
			err = &stream.TransportError{Op: "recv", Err: errors.New("connection closed")}
		}
		c.inst.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", env.ev.Kind.String())))
		c.logger.Warn("chat request failed", "epoch", env.epoch, "session_id", c.state.SessionID, "error", err)
	default:
		c.logger.Info("chat request completed", "epoch", env.epoch, "session_id", c.state.SessionID,
			"duration_ms", time.Since(r.started).Milliseconds())
	}
	c.invalidateHistory(c.state.SessionID)
	c.publish()
	r.finish(err)
}

// supersede ends the active request, closing its connection. Loop only.
func (c *Controller) supersede() {
	if c.active == nil {
		return
	}
	c.logger.Debug("closing superseded request", "epoch", c.active.epoch)
	// The message may already be stored remotely.
	c.invalidateHistory(c.state.SessionID)
	c.active.finish(ErrSuperseded)
	c.active = nil
}

func (c *Controller) publish() {
	snap := c.state.Snapshot()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	if c.opts.OnChange != nil {
		c.opts.OnChange(snap)
	}
}

func (c *Controller) invalidateHistory(id string) {
	if id == "" {
		return
	}
	if inv, ok := c.opts.History.(invalidator); ok {
		inv.Invalidate(id)
	}
}

// Snapshot returns a copy of the current view.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	snap := c.snap
	snap.Messages = append([]session.Message(nil), c.snap.Messages...)
	return snap
}

// Send appends text as a user message and streams the reply. Any request still
// open is closed first. A failure to create a session aborts the send and is
// returned; transport and server failures end the ticket instead.
func (c *Controller) Send(ctx context.Context, text string) (Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Ticket{}, ErrEmptyMessage
	}

	var r *request
	err := c.exec(ctx, func() {
		c.supersede()
		epoch := c.state.StartSend(text)
		r = &request{
			epoch:   epoch,
			reply:   len(c.state.Messages),
			started: time.Now(),
			done:    make(chan struct{}),
		}
		c.active = r
		c.publish()
	})
	if err != nil {
		return Ticket{}, err
	}
	c.inst.requests.Add(ctx, 1)
	ticket := Ticket{r: r}

	sessionID, err := c.opts.Sessions.Ensure(ctx)
	if err != nil {
		c.exec(context.Background(), func() {
			if c.state.Abort(r.epoch) == nil {
				c.publish()
			}
			if c.active == r {
				c.active = nil
			}
			r.finish(err)
		})
		return ticket, err
	}
	c.exec(context.Background(), func() {
		if c.state.Adopt(r.epoch, sessionID) == nil {
			c.invalidateHistory(sessionID)
			c.publish()
		}
	})
	c.opts.Sessions.Persist(ctx, sessionID)

	conn, err := c.opts.Dialer.Dial(ctx)
	if err != nil {
		c.deliver(r.epoch, stream.Closed(err))
		return ticket, nil
	}

	attached := false
	if err := c.exec(ctx, func() {
		if c.active == r && c.state.Epoch == r.epoch && c.state.Live() {
			r.conn = conn
			attached = true
			c.readers.Add(1)
			go c.read(r.epoch, conn)
		}
	}); err != nil || !attached {
		conn.Close()
		return ticket, nil
	}

	if err := conn.Send(ctx, stream.TextMessage(text, sessionID, c.userID())); err != nil {
		c.deliver(r.epoch, stream.Closed(err))
		return ticket, nil
	}
	c.logger.Info("sent chat message", "epoch", r.epoch, "session_id", sessionID)
	return ticket, nil
}

// read forwards one connection's events until its terminal event or failure.
func (c *Controller) read(epoch uint64, conn stream.Conn) {
	defer c.readers.Done()
	for {
		ev, err := conn.Recv()
		if err != nil {
			c.deliver(epoch, stream.Closed(err))
			return
		}
		if !c.deliver(epoch, ev) || ev.Terminal() {
			return
		}
	}
}

// SwitchTo closes any open request, makes id the active session and loads its
// history. id is persisted as the last session once its history has loaded.
func (c *Controller) SwitchTo(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}

	var epoch uint64
	if err := c.exec(ctx, func() {
		c.supersede()
		epoch = c.state.SwitchSession(id, nil)
		c.opts.Sessions.Use(id)
		c.publish()
	}); err != nil {
		return err
	}
	c.logger.Info("switched session", "session_id", id, "epoch", epoch)

	if c.opts.History == nil {
		c.opts.Sessions.Persist(ctx, id)
		return nil
	}
	msgs, err := c.opts.History.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load history for %s: %w", id, err)
	}
	loaded := false
	if err := c.exec(ctx, func() {
		if err := c.state.LoadHistory(epoch, msgs); err != nil {
			c.logger.Debug("dropped history of a superseded switch", "session_id", id)
			return
		}
		loaded = true
		c.publish()
	}); err != nil {
		return err
	}
	if loaded {
		c.opts.Sessions.Persist(ctx, id)
	}
	return nil
}

// NewChat closes any open request and clears the session and list.
func (c *Controller) NewChat(ctx context.Context) error {
	if err := c.exec(ctx, func() {
		c.supersede()
		c.state.Reset()
		c.publish()
	}); err != nil {
		return err
	}
	if err := c.opts.Sessions.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("started new chat")
	return nil
}

// Delete removes session id on the collaborator. Deleting the active session
// resets the view.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if c.opts.Remote == nil {
		return fmt.Errorf("session deletion is not configured")
	}
	if err := c.opts.Remote.DeleteChat(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	c.invalidateHistory(id)
	c.logger.Info("deleted session", "session_id", id)

	active := false
	if err := c.exec(ctx, func() {
		active = c.state.SessionID == id
		if active {
			c.supersede()
			c.state.Reset()
			c.publish()
		}
	}); err != nil {
		return err
	}
	if active {
		return c.opts.Sessions.Clear(ctx)
	}
	return c.opts.Sessions.Forget(ctx, id)
}

// Resume switches to the last persisted session. It reports false when there
// is none.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	id, err := c.opts.Sessions.Restore(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	if err := c.SwitchTo(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// Close stops the controller and closes any open connection.
func (c *Controller) Close() error {
	c.once.Do(func() {
		close(c.quit)
		<-c.stopped
		c.readers.Wait()
	})
	return nil
}

func (c *Controller) userID() string {
	if c.opts.UserID == nil {
		return ""
	}
	return c.opts.UserID()
}
