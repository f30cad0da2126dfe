// Package session owns one real-time transport session at a time and wires
// its events into room resolution, bot lifecycle and transcript assembly.
//
// All session state is mutated on the goroutine running Controller.Run.
// Transport connects, bot backend calls and device teardown run elsewhere and
// report back through the controller's inbox, so events keep flowing while
// they are pending.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

const (
	defaultConnectTimeout = 15 * time.Second
	releaseTimeout        = 5 * time.Second
)

type Options struct {
	ConnectTimeout    time.Duration
	BotRequestTimeout time.Duration
	// AutoActivate starts the bot once the session is connected and its
	// room locator is known.
	AutoActivate bool
	// IdleTimeout disconnects after this long without speech. Zero disables.
	IdleTimeout time.Duration
	Sources     []room.Source
	Logger      *slog.Logger
}

// Deps are the collaborators of a Controller. Transport is required; the
// rest are optional.
type Deps struct {
	Transport Transport
	Backend   BotBackend
	Device    MediaDevice
	Recorder  Recorder
	Observer  Observer
	Archiver  Archiver
}

type Controller struct {
	transport Transport
	backend   BotBackend
	device    MediaDevice
	recorder  Recorder
	observer  Observer
	archiver  Archiver
	opts      Options
	logger    *slog.Logger

	inbox  chan any
	done   chan struct{}
	runCtx context.Context

	// Owned by the Run goroutine.
	gen       uint64
	sess      *current
	state     event.TransportState
	lastError string
	muted     bool
	released  <-chan struct{}
	resolver  *room.Resolver
	bot       *bot.Controller
	assembler *transcript.Assembler
	detector  *Detector
}

type current struct {
	id        string
	startedAt time.Time
	result    room.Payload
	connected bool
	// confirmed is set once the transport reports the session connected.
	confirmed bool
	autoTried bool
	recording bool
	stop      chan struct{}
}

type eventMsg struct {
	gen uint64
	ev  event.Event
}

type connectDone struct {
	gen    uint64
	result room.Payload
	err    error
	reply  chan error
}

type callDone struct {
	call bot.Call
	resp bot.Response
	err  error
}

type idleMsg struct {
	gen uint64
}

type command struct {
	fn    func() error
	reply chan error
}

func NewController(deps Deps, opts Options) *Controller {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BotRequestTimeout <= 0 {
		opts.BotRequestTimeout = bot.DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	released := make(chan struct{})
	close(released)

	c := &Controller{
		transport: deps.Transport,
		backend:   deps.Backend,
		device:    deps.Device,
		recorder:  deps.Recorder,
		observer:  observer,
		archiver:  deps.Archiver,
		opts:      opts,
		logger:    logger,
		inbox:     make(chan any, 64),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
		state:     event.StateIdle,
		released:  released,
		resolver:  room.NewResolver(opts.Sources...),
		bot:       bot.NewController(),
		assembler: transcript.NewAssembler(logger),
		detector:  NewDetector(opts.IdleTimeout),
	}
	c.assembler.OnChange(func(ch transcript.Change) {
		c.observer.TranscriptChanged(ch)
	})
	return c
}

// Run processes events and commands until ctx is done. An open session is
// torn down before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.detector.Stop()
			if c.sess != nil {
				released := c.teardown(event.StateDisconnected)
				select {
				case <-released:
				case <-time.After(releaseTimeout):
					c.logger.Warn("timed out releasing session on shutdown")
				}
			}
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

// Connect opens a new session and waits until the transport connect call
// returns. Events are processed while it waits.
func (c *Controller) Connect(ctx context.Context) error {
	var wait chan error
	err := c.exec(ctx, func() error {
		w, err := c.startConnect()
		wait = w
		return err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Disconnect tears the session down and waits for the transport and
// microphone to be released.
func (c *Controller) Disconnect(ctx context.Context) error {
	var released <-chan struct{}
	err := c.exec(ctx, func() error {
		if c.sess == nil {
			return ErrNotConnected
		}
		released = c.teardown(event.StateDisconnected)
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivateBot issues the activation call. It returns once the call is in
// flight; the outcome arrives as a bot state change.
func (c *Controller) ActivateBot(ctx context.Context) (bot.State, error) {
	return c.botAction(ctx, bot.ActionActivate)
}

func (c *Controller) DeactivateBot(ctx context.Context) (bot.State, error) {
	return c.botAction(ctx, bot.ActionDeactivate)
}

// SetRoomLocator accepts an operator-supplied locator for the current
// session while it is unresolved.
func (c *Controller) SetRoomLocator(ctx context.Context, locator string) error {
	return c.exec(ctx, func() error {
		if c.sess == nil {
			return ErrNotConnected
		}
		if err := c.resolver.SetManual(locator); err != nil {
			return err
		}
		c.logger.Info("room locator entered manually", "session", c.sess.id)
		c.notifyLocator()
		c.maybeAutoActivate()
		return nil
	})
}

// SetMuted mutes or unmutes the microphone. The choice carries over to the
// next session.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	return c.exec(ctx, func() error {
		if c.device == nil {
			return ErrNoMicrophone
		}
		c.muted = muted
		if c.sess != nil {
			c.applyMute()
		}
		return nil
	})
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.exec(ctx, func() error {
		st = c.snapshot()
		return nil
	})
	return st, err
}

// Transcript returns the current session's utterances.
func (c *Controller) Transcript(ctx context.Context) ([]transcript.Utterance, error) {
	var out []transcript.Utterance
	err := c.exec(ctx, func() error {
		out = c.assembler.Utterances()
		return nil
	})
	return out, err
}

func (c *Controller) exec(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case command:
		m.reply <- m.fn()
	case eventMsg:
		c.handleEvent(m)
	case connectDone:
		c.handleConnectDone(m)
	case callDone:
		c.handleCallDone(m)
	case idleMsg:
		if m.gen == c.gen && c.sess != nil {
			c.logger.Info("disconnecting idle session", "session", c.sess.id, "timeout", c.opts.IdleTimeout)
			c.observer.Notice("info", "disconnected after inactivity")
			c.teardown(event.StateDisconnected)
		}
	default:
		c.logger.Warn("unknown controller message", "type", fmt.Sprintf("%T", msg))
	}
}

func (c *Controller) startConnect() (chan error, error) {
	if c.sess != nil {
		return nil, ErrAlreadyConnected
	}

	c.gen++
	gen := c.gen
	sess := &current{
		id:        uuid.NewString(),
		startedAt: time.Now().UTC(),
		stop:      make(chan struct{}),
	}
	c.sess = sess
	c.lastError = ""
	c.resolver = room.NewResolver(c.opts.Sources...)
	c.bot.Reset()
	c.assembler.Reset()
	c.detector.OnIdle(func() { c.post(idleMsg{gen: gen}) })

	c.setState(event.StateConnecting)
	c.notifyLocator()
	c.notifyBot()
	c.logger.Info("connecting session", "session", sess.id)

	wait := make(chan error, 1)
	go c.connect(gen, c.released, sess.stop, wait)
	return wait, nil
}

func (c *Controller) connect(gen uint64, prev, stop <-chan struct{}, wait chan error) {
	ctx, cancel := context.WithTimeout(c.runCtx, c.opts.ConnectTimeout)
	defer cancel()

	select {
	case <-prev:
	case <-ctx.Done():
	}

	// Transports hand out a fresh event channel once released.
	go c.pump(gen, c.transport.Events(), stop)

	if c.device != nil {
		if err := c.device.Open(ctx); err != nil {
			c.post(connectDone{gen: gen, err: fmt.Errorf("open microphone: %w", err), reply: wait})
			return
		}
	}

	result, err := c.transport.Connect(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}
	c.post(connectDone{gen: gen, result: result, err: err, reply: wait})
}

func (c *Controller) pump(gen uint64, events <-chan event.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case c.inbox <- eventMsg{gen: gen, ev: ev}:
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}
}

func (c *Controller) handleConnectDone(m connectDone) {
	if m.gen != c.gen || c.sess == nil {
		if m.err == nil {
			c.logger.Debug("releasing transport connected after teardown")
			go c.release()
		}
		m.reply <- ErrNotConnected
		return
	}

	sess := c.sess
	if m.err != nil {
		c.logger.Warn("transport connect failed", "session", sess.id, "error", m.err)
		c.lastError = m.err.Error()
		c.teardown(event.StateError)
		m.reply <- m.err
		return
	}

	sess.result = m.result
	sess.connected = true
	if id := m.result.String("session_id"); id != "" && id != sess.id {
		sess.id = id
		c.observer.TransportStateChanged(c.state, sess.id)
	}

	internals := c.transport.Internals()
	if _, ok := c.resolver.Immediate(sess.result, internals); !ok && sess.confirmed {
		// The connected confirmation beat the connect result.
		c.resolver.OnConnected(sess.result, internals)
	}
	c.logLocator()
	c.notifyLocator()

	c.startAudio(sess)
	c.maybeAutoActivate()
	m.reply <- nil
}

func (c *Controller) startAudio(sess *current) {
	if c.device == nil {
		return
	}

	var w io.Writer = io.Discard
	if sink, ok := c.transport.(AudioSink); ok {
		w = sink
	}
	if c.recorder != nil {
		if err := c.recorder.StartSession(sess.id); err != nil {
			c.logger.Warn("start audio recording failed", "session", sess.id, "error", err)
		} else {
			sess.recording = true
			w = c.recorder.Writer(w)
		}
	}
	c.applyMute()

	device := c.device
	go func() {
		if err := device.Stream(w); err != nil {
			c.logger.Debug("microphone stream ended", "error", err)
		}
	}()
}

func (c *Controller) applyMute() {
	if c.muted {
		c.device.Mute()
	} else {
		c.device.Unmute()
	}
}

func (c *Controller) handleEvent(m eventMsg) {
	ev := m.ev
	if m.gen != c.gen || c.sess == nil {
		c.logger.Debug("dropping event from closed session", "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case event.KindTransportState:
		switch ev.State {
		case event.StateDisconnected:
			c.teardown(event.StateDisconnected)
		case event.StateError:
			c.lastError = "transport error"
			c.teardown(event.StateError)
		case event.StateConnected:
			c.confirmConnected()
		default:
			c.setState(ev.State)
		}
	case event.KindConnected:
		c.confirmConnected()
	case event.KindDisconnected:
		c.teardown(event.StateDisconnected)
	case event.KindBotConnected:
		c.bot.OnRemoteConnected()
		c.notifyBot()
	case event.KindBotDisconnected:
		c.bot.OnRemoteDisconnected()
		c.notifyBot()
	case event.KindBotReady:
		c.bot.OnRemoteReady()
		c.notifyBot()
	case event.KindUserStartedSpeaking:
		c.detector.OnSpeech(transcript.SpeakerUser)
		c.assembler.SpeakerStarted(transcript.SpeakerUser)
	case event.KindUserStoppedSpeaking:
		c.assembler.SpeakerStopped(transcript.SpeakerUser)
		c.detector.OnSilence(transcript.SpeakerUser)
	case event.KindBotStartedSpeaking:
		c.detector.OnSpeech(transcript.SpeakerBot)
		c.assembler.SpeakerStarted(transcript.SpeakerBot)
	case event.KindBotStoppedSpeaking:
		c.assembler.SpeakerStopped(transcript.SpeakerBot)
		c.detector.OnSilence(transcript.SpeakerBot)
	case event.KindUserTranscript:
		c.assembler.UserTranscript(ev.Text, ev.Final)
	case event.KindBotText:
		c.assembler.BotText(ev.Text)
	case event.KindError:
		if ev.Fatal {
			c.logger.Error("fatal transport error", "session", c.sess.id, "message", ev.Message)
			c.lastError = ev.Message
			c.teardown(event.StateError)
			return
		}
		c.logger.Warn("transport error", "session", c.sess.id, "message", ev.Message)
		c.observer.Notice("error", ev.Message)
	case event.KindMessageError:
		c.logger.Warn("transport message error", "session", c.sess.id, "message", ev.Message)
		c.observer.Notice("warn", ev.Message)
	default:
		c.logger.Debug("ignoring unknown event", "kind", ev.Kind)
	}
}

func (c *Controller) botAction(ctx context.Context, action bot.Action) (bot.State, error) {
	var st bot.State
	err := c.exec(ctx, func() error {
		err := c.startBotCall(action)
		st = c.bot.State()
		return err
	})
	return st, err
}

func (c *Controller) startBotCall(action bot.Action) error {
	if c.backend == nil {
		return errors.New("no bot backend configured")
	}

	locator, _ := c.resolver.Locator()
	var (
		call bot.Call
		err  error
	)
	switch action {
	case bot.ActionActivate:
		call, err = c.bot.Activate(locator)
	case bot.ActionDeactivate:
		call, err = c.bot.Deactivate(locator)
	default:
		return fmt.Errorf("unknown bot action %q", action)
	}
	if err != nil {
		return err
	}

	c.logger.Info("bot call issued", "action", action, "room", locator, "seq", call.Seq)
	c.notifyBot()

	backend := c.backend
	runCtx := c.runCtx
	timeout := c.opts.BotRequestTimeout
	go func() {
		ctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()
		resp, err := backend.Do(ctx, call)
		c.post(callDone{call: call, resp: resp, err: err})
	}()
	return nil
}

func (c *Controller) handleCallDone(m callDone) {
	if !c.bot.Complete(m.call, m.resp, m.err) {
		c.logger.Debug("ignoring stale bot call result", "action", m.call.Action, "seq", m.call.Seq)
		return
	}
	if m.err != nil {
		c.logger.Warn("bot call failed", "action", m.call.Action, "error", m.err)
	}
	c.notifyBot()
}

// confirmConnected handles the transport's connected confirmation, whether
// it arrives as a connected event or as a connected state change. Repeats
// within one session only refresh the state.
func (c *Controller) confirmConnected() {
	c.setState(event.StateConnected)
	if c.sess.confirmed {
		return
	}
	c.sess.confirmed = true
	if c.sess.connected {
		c.resolver.OnConnected(c.sess.result, c.transport.Internals())
		c.logLocator()
		c.notifyLocator()
	}
	c.detector.Arm()
	c.maybeAutoActivate()
}

func (c *Controller) maybeAutoActivate() {
	if !c.opts.AutoActivate || c.sess == nil || c.sess.autoTried || c.state != event.StateConnected {
		return
	}
	if _, ok := c.resolver.Locator(); !ok {
		return
	}
	if c.bot.State().Phase != bot.PhaseInactive {
		return
	}
	c.sess.autoTried = true
	if err := c.startBotCall(bot.ActionActivate); err != nil {
		c.logger.Warn("auto activation failed", "error", err)
	}
}

// teardown is the single reset path. It returns a channel closed once the
// transport and microphone are released.
func (c *Controller) teardown(final event.TransportState) <-chan struct{} {
	sess := c.sess
	if sess == nil {
		return c.released
	}

	close(sess.stop)
	c.gen++
	c.sess = nil
	c.detector.Stop()

	locator, _ := c.resolver.Locator()
	rec := Record{
		SessionID:   sess.id,
		RoomLocator: locator,
		BotHandle:   c.bot.State().Handle,
		StartedAt:   sess.startedAt,
		EndedAt:     time.Now().UTC(),
		Utterances:  c.assembler.Utterances(),
	}

	c.resolver = room.NewResolver(c.opts.Sources...)
	c.bot.Reset()
	c.assembler.Reset()

	c.logger.Info("session ended", "session", sess.id, "state", final, "utterances", len(rec.Utterances))
	c.state = final
	c.observer.TransportStateChanged(final, "")
	c.notifyLocator()
	c.notifyBot()
	c.observer.SessionReset(sess.id)

	released := make(chan struct{})
	c.released = released
	go func() {
		defer close(released)
		c.release()
		if sess.recording {
			path, err := c.recorder.EndSession()
			if err != nil {
				c.logger.Warn("end audio recording failed", "session", sess.id, "error", err)
			}
			rec.AudioPath = path
		}
		if c.archiver != nil && len(rec.Utterances) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := c.archiver.Archive(ctx, rec); err != nil {
				c.logger.Warn("archive session failed", "session", rec.SessionID, "error", err)
			}
		}
	}()
	return released
}

func (c *Controller) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := c.transport.Disconnect(ctx); err != nil {
		c.logger.Warn("transport disconnect failed", "error", err)
	}
	if c.device != nil {
		if err := c.device.Close(); err != nil {
			c.logger.Warn("release microphone failed", "error", err)
		}
	}
}

func (c *Controller) snapshot() Status {
	st := Status{
		Transport:  c.state,
		Resolution: c.resolver.State(),
		Bot:        c.bot.State(),
		Muted:      c.muted,
		LastError:  c.lastError,
	}
	if c.sess != nil {
		st.SessionID = c.sess.id
		st.StartedAt = c.sess.startedAt
	}
	if locator, ok := c.resolver.Locator(); ok {
		st.RoomLocator = locator
		st.LocatorSource = c.resolver.Source()
	}
	return st
}

func (c *Controller) setState(state event.TransportState) {
	if c.state == state {
		return
	}
	c.state = state
	id := ""
	if c.sess != nil {
		id = c.sess.id
	}
	c.observer.TransportStateChanged(state, id)
}

func (c *Controller) notifyLocator() {
	locator, _ := c.resolver.Locator()
	c.observer.RoomLocatorChanged(locator, c.resolver.State(), c.resolver.Source())
}

func (c *Controller) notifyBot() {
	c.observer.BotStateChanged(c.bot.State())
}

func (c *Controller) logLocator() {
	switch c.resolver.State() {
	case room.StateResolved:
		locator, _ := c.resolver.Locator()
		c.logger.Info("room locator resolved", "room", locator, "source", c.resolver.Source(), "attempts", c.resolver.Attempts())
	case room.StateDeferred:
		c.logger.Info("room locator deferred until connected")
	case room.StateManual:
		c.logger.Warn("room locator not found, manual entry required")
		c.observer.Notice("warn", "room locator not found; enter it manually to control the bot")
	}
}

type nopObserver struct{}

func (nopObserver) TransportStateChanged(event.TransportState, string) {}
func (nopObserver) RoomLocatorChanged(string, room.State, string) {}
func (nopObserver) BotStateChanged(bot.State) {}
func (nopObserver) TranscriptChanged(transcript.Change) {}
func (nopObserver) SessionReset(string) {}
func (nopObserver) Notice(string, string) {}
