package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gostt-relay/internal/audio"
	"github.com/chaz8081/gostt-relay/internal/models"
	"github.com/chaz8081/gostt-relay/internal/transcribe"
)

const (
	// MaxConnectAttempts bounds the connect retry loop.
	MaxConnectAttempts = 3
	// ConnectBackoff is multiplied by the attempt number between retries.
	ConnectBackoff = 2 * time.Second
	// ReadyTimeout bounds the wait for the backend to accept the configuration.
	ReadyTimeout = 30 * time.Second
	// DrainTimeout bounds the wait for final text after a commit.
	DrainTimeout = 3 * time.Second
	// FinalSettle is how long a realtime backend must stay quiet after
	// its last committed or completed event before Stop stops listening.
	// A voice-activity commit can cross the explicit one on the wire.
	FinalSettle = 250 * time.Millisecond
	// ChunkDuration is the flush threshold of chunked sessions.
	ChunkDuration = 2 * time.Second

	RealtimeSampleRate = 24000
	ChunkedSampleRate  = 16000

	updatesBacklog = 32
)

// Update is a transcript snapshot published on every text event and on
// failure.
type Update struct {
	SessionID string
	Text      string // whole transcript so far
	Final     bool   // the latest event completed an utterance
	State     State
	Err       error
}

// Options tunes a Session. Zero values take the package defaults.
type Options struct {
	MaxConnectAttempts int
	ConnectBackoff     time.Duration // negative disables the pause
	ReadyTimeout       time.Duration
	DrainTimeout       time.Duration
	ChunkDuration      time.Duration

	// OnStateChange observes transitions. It runs with the session lock
	// held and must not call back into the Session.
	OnStateChange func(sessionID string, s State)
	// OnStop runs once during Stop, after the receive loop has ended. Use
	// it to detach the audio tap.
	OnStop func()
}

// Session is one live recording streamed to one backend.
type Session struct {
	id         string
	backend    models.Backend
	transport  Transport
	opts       Options
	targetRate int

	mu            sync.Mutex
	state         State
	err           error
	language      string
	resampler     *audio.Resampler
	buf           *audio.FrameBuffer
	outbox        [][]byte
	outboxClosed  bool
	committed     string
	partial       string
	sentBytes     int64
	drain         drainState
	stopped       bool
	result        *transcribe.Result
	updatesClosed bool
	loopCancel    context.CancelFunc

	wake      chan struct{}
	sendDone  chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	finals    chan struct{}
	updates   chan Update
	loopDone  chan struct{}
	stopDone  chan struct{}
}

// drainState tracks what the backend still owes the session once Stop
// has committed.
type drainState struct {
	sent       bool                // audio went out at least once
	inFlight   int                 // chunks not yet answered by a completed event
	pending    map[string]struct{} // committed items awaiting their transcript
	answered   map[string]struct{} // items completed before their committed event
	commitSeen bool                // the backend reports committed items
	commitSent bool
	commitAt   time.Time
	acked      bool // a committed event arrived after commitSent
	lastFinal  time.Time
	lastEvent  time.Time // latest committed or completed event
}

// NewSession creates a disconnected session for a streaming backend.
// Realtime backends get 24kHz PCM flushed on every frame; chunked backends
// get 16kHz PCM flushed every ChunkDuration.
func NewSession(backend models.Backend, t Transport, opts Options) *Session {
	if opts.MaxConnectAttempts <= 0 {
		opts.MaxConnectAttempts = MaxConnectAttempts
	}
	if opts.ConnectBackoff == 0 {
		opts.ConnectBackoff = ConnectBackoff
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = ReadyTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DrainTimeout
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = ChunkDuration
	}

	rate, threshold := ChunkedSampleRate, 0
	if backend.Kind == models.KindCloudRealtime {
		rate = RealtimeSampleRate
	} else {
		threshold = audio.ThresholdForDuration(rate, 1, opts.ChunkDuration)
	}

	s := &Session{
		id:         uuid.NewString(),
		backend:    backend,
		transport:  t,
		opts:       opts,
		targetRate: rate,
		buf:        audio.NewFrameBuffer(rate, 1, threshold),
		wake:       make(chan struct{}, 1),
		sendDone:   make(chan struct{}),
		ready:      make(chan struct{}),
		finals:     make(chan struct{}, 1),
		updates:    make(chan Update, updatesBacklog),
		loopDone:   make(chan struct{}),
		stopDone:   make(chan struct{}),
	}
	s.drain.pending = make(map[string]struct{})
	s.drain.answered = make(map[string]struct{})
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Backend returns the backend the session streams to.
func (s *Session) Backend() models.Backend { return s.backend }

// SampleRate returns the PCM rate sent to the backend.
func (s *Session) SampleRate() int { return s.targetRate }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Text returns the transcript accumulated so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textLocked()
}

// Updates publishes transcript snapshots. Slow readers miss snapshots
// rather than stall the session. The channel is closed by Stop.
func (s *Session) Updates() <-chan Update { return s.updates }

// Start connects, configures the backend, and waits until it is Ready.
// language may be a code, "auto", or empty.
func (s *Session) Start(ctx context.Context, modelID, language string) error {
	s.mu.Lock()
	if s.state != Disconnected || s.stopped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("stream: cannot start session in state %s", st)
	}
	s.language = transcribe.Request{Language: language}.ExplicitLanguage()
	s.setState(Connecting)
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Connecting {
		st := s.state
		s.mu.Unlock()
		_ = s.transport.Close()
		return fmt.Errorf("stream: session left %s while connecting", st)
	}
	s.setState(Connected)
	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.setState(Configuring)
	s.mu.Unlock()

	go s.receive(loopCtx)
	go s.sendLoop()

	cfg := SessionConfig{Model: modelID, Language: s.language, SampleRate: s.targetRate}
	if err := s.transport.Configure(ctx, cfg); err != nil {
		return s.fail("configure", err)
	}

	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		slog.Info("stream: session ready", "session", s.id, "backend", s.backend.String(), "rate", s.targetRate)
		return nil
	case <-s.loopDone:
		if err := s.Err(); err != nil {
			return err
		}
		return &transcribe.SessionError{Backend: s.backend.String(), Reason: "closed before ready"}
	case <-timer.C:
		return s.fail("ready timeout", transcribe.ErrConnectionTimeout)
	case <-ctx.Done():
		return s.fail("start cancelled", ctx.Err())
	}
}

// connect dials with bounded retries, waiting attempt*ConnectBackoff
// between attempts.
func (s *Session) connect(ctx context.Context) error {
	var lastErr error
	attempts := 0
retry:
	for attempt := 1; attempt <= s.opts.MaxConnectAttempts; attempt++ {
		attempts = attempt
		err := s.transport.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("stream: connect failed",
			"session", s.id, "backend", s.backend.String(),
			"attempt", attempt, "max", s.opts.MaxConnectAttempts, "error", err)

		if attempt == s.opts.MaxConnectAttempts || s.opts.ConnectBackoff < 0 {
			continue
		}
		delay := time.Duration(attempt) * s.opts.ConnectBackoff
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		}
	}

	return s.failWith(&transcribe.SessionError{
		Backend:  s.backend.String(),
		Reason:   "connect",
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %v", transcribe.ErrConnection, lastErr),
	})
}

// Activate moves a Ready session to Streaming once the caller's tap is live.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return fmt.Errorf("stream: cannot activate session in state %s", s.state)
	}
	s.setState(Streaming)
	return nil
}

// Tap returns an audio.Tap feeding captured buffers at sampleRate into
// the session. The tap only queues audio; network writes happen on the
// session's own sender goroutine.
func (s *Session) Tap(sampleRate int) audio.Tap {
	return func(samples []float32) {
		s.AppendAudio(samples, sampleRate)
	}
}

// AppendAudio converts mono samples to the session's PCM format and
// buffers them, queueing full chunks for the sender. It never blocks on
// the network and is a no-op unless the session is Ready or Streaming.
func (s *Session) AppendAudio(samples []float32, sampleRate int) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.acceptsAudio() {
		return
	}
	if s.resampler == nil || s.resampler.FromRate() != sampleRate {
		s.resampler = audio.NewResampler(sampleRate, s.targetRate)
	}
	if chunk := s.buf.Append(audio.PCM16(s.resampler.Process(samples))); chunk != nil {
		s.enqueueLocked(chunk)
	}
}

// Buffered returns the number of PCM bytes waiting to be flushed.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *Session) enqueueLocked(chunk []byte) {
	if s.outboxClosed {
		return
	}
	s.outbox = append(s.outbox, chunk)
	s.wakeSender()
}

// closeOutbox lets the sender exit once the queue is empty.
func (s *Session) closeOutbox() {
	s.mu.Lock()
	s.outboxClosed = true
	s.mu.Unlock()
	s.wakeSender()
}

func (s *Session) wakeSender() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// sendLoop writes queued chunks in order until the outbox is closed and
// empty.
func (s *Session) sendLoop() {
	defer close(s.sendDone)
	for {
		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		closed := s.outboxClosed
		s.mu.Unlock()

		for _, chunk := range batch {
			s.send(context.Background(), chunk)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *Session) send(ctx context.Context, chunk []byte) {
	// Counted before sending: the reply can arrive before SendAudio returns.
	s.mu.Lock()
	if s.state == Failed {
		s.mu.Unlock()
		return
	}
	s.drain.sent = true
	s.drain.inFlight++
	s.mu.Unlock()

	if err := s.transport.SendAudio(ctx, chunk); err != nil {
		slog.Warn("stream: send audio failed", "session", s.id, "bytes", len(chunk), "error", err)
		s.mu.Lock()
		s.drain.inFlight--
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.sentBytes += int64(len(chunk))
	s.mu.Unlock()
}

// Stop ends the session: it flushes buffered audio, commits, closes the
// transport, ends the receive loop, and returns the transcript. It is
// safe to call from any state and more than once; later calls return the
// first call's result.
func (s *Session) Stop(ctx context.Context) (*transcribe.Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.stopDone
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	}
	s.stopped = true
	prev := s.state
	if !prev.terminal() {
		s.setState(Closing)
	}
	s.mu.Unlock()

	if prev.acceptsAudio() {
		s.mu.Lock()
		if tail := s.buf.Flush(); tail != nil {
			s.enqueueLocked(tail)
		}
		s.mu.Unlock()
		s.closeOutbox()
		select {
		case <-s.sendDone:
		case <-ctx.Done():
		}

		s.mu.Lock()
		s.drain.commitSent = true
		s.drain.commitAt = time.Now()
		s.mu.Unlock()
		if err := s.transport.Commit(ctx); err != nil {
			slog.Warn("stream: commit failed", "session", s.id, "error", err)
		}
		s.awaitFinal(ctx)
	} else {
		s.closeOutbox()
	}

	if err := s.transport.Close(); err != nil {
		slog.Debug("stream: transport close", "session", s.id, "error", err)
	}

	s.mu.Lock()
	cancel := s.loopCancel
	s.mu.Unlock()
	if cancel != nil {
		// Let the loop drain events already delivered before cutting it off.
		select {
		case <-s.loopDone:
		case <-time.After(s.opts.DrainTimeout):
		case <-ctx.Done():
		}
		cancel()
		<-s.loopDone
	}

	if s.opts.OnStop != nil {
		s.opts.OnStop()
	}

	s.mu.Lock()
	res := &transcribe.Result{
		Text:     s.textLocked(),
		Language: s.language,
		Duration: float64(s.sentBytes) / float64(2*s.targetRate),
		Backend:  s.backend.String(),
	}
	s.result = res
	if s.state != Failed {
		s.setState(Disconnected)
	}
	err := s.err
	s.updatesClosed = true
	close(s.updates)
	s.mu.Unlock()
	close(s.stopDone)

	slog.Info("stream: session stopped",
		"session", s.id, "backend", s.backend.String(),
		"audio_s", res.Duration, "chars", len(res.Text))
	return res, err
}

// awaitFinal waits, at most DrainTimeout, for the backend to transcribe
// everything sent before the commit.
func (s *Session) awaitFinal(ctx context.Context) {
	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		done, recheck := s.drainedLocked(time.Now())
		s.mu.Unlock()
		if done {
			return
		}
		var settle <-chan time.Time
		if recheck > 0 {
			settle = time.After(recheck)
		}
		select {
		case <-s.finals:
		case <-settle:
		case <-s.loopDone:
			return
		case <-timer.C:
			slog.Debug("stream: no final transcript before drain timeout", "session", s.id)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainedLocked reports whether the backend owes no more transcripts.
// A positive recheck asks the caller to look again after that long even
// if no event arrives.
func (s *Session) drainedLocked(now time.Time) (done bool, recheck time.Duration) {
	d := &s.drain
	switch {
	case s.state != Closing:
		return true, 0
	case s.backend.Kind != models.KindCloudRealtime:
		// Chunked transports answer every chunk with one completed event.
		return d.inFlight <= 0, 0
	case !d.sent:
		return true, 0
	case d.commitSeen:
		if !d.acked || len(d.pending) > 0 {
			return false, 0
		}
	case !d.lastFinal.After(d.commitAt):
		// Without committed events nothing ties a final to the commit, so
		// wait for one that arrived after it.
		return false, 0
	}
	if quiet := now.Sub(d.lastEvent); quiet < FinalSettle {
		return false, FinalSettle - quiet
	}
	return true, 0
}

func (s *Session) receive(ctx context.Context) {
	defer close(s.loopDone)
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.closed(nil)
				return
			}
			if !s.handle(ev) {
				return
			}
		}
	}
}

// handle applies one event and reports whether the loop should continue.
func (s *Session) handle(ev Event) bool {
	switch ev.Type {
	case EventReady:
		s.mu.Lock()
		if s.state == Configuring {
			s.setState(Ready)
			s.readyOnce.Do(func() { close(s.ready) })
		}
		s.mu.Unlock()
		return true

	case EventCommitted:
		s.mu.Lock()
		s.trackCommittedLocked(ev.ItemID)
		s.signalFinalLocked()
		s.mu.Unlock()
		return true

	case EventDelta, EventCompleted:
		s.mu.Lock()
		defer s.mu.Unlock()
		switch s.state {
		case Configuring, Ready, Streaming, Closing:
		default:
			return true
		}
		s.applyLocked(ev)
		s.publishLocked(ev.Type == EventCompleted)
		if ev.Type == EventCompleted {
			s.trackCompletedLocked(ev.ItemID)
			s.signalFinalLocked()
		}
		return true

	case EventError:
		reason := "backend error"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		_ = s.fail(reason, ev.Err)
		return false

	case EventClosed:
		s.closed(ev.Err)
		return false
	}
	return true
}

// closed handles the backend going away.
func (s *Session) closed(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closing, Failed, Disconnected:
		return
	}
	if cause != nil {
		slog.Warn("stream: connection lost", "session", s.id, "backend", s.backend.String(), "error", cause)
	} else {
		slog.Info("stream: backend closed session", "session", s.id)
	}
	s.buf.Reset()
	s.setState(Disconnected)
	s.publishLocked(false)
}

func (s *Session) applyLocked(ev Event) {
	replace := s.backend.Delta == models.DeltaReplace
	switch ev.Type {
	case EventDelta:
		if replace {
			s.partial = ev.Text
		} else {
			s.partial += ev.Text
		}
	case EventCompleted:
		text := strings.TrimSpace(ev.Text)
		if replace {
			s.committed = text
		} else {
			s.committed = joinText(s.committed, text)
		}
		s.partial = ""
	}
}

func (s *Session) trackCommittedLocked(itemID string) {
	d := &s.drain
	d.commitSeen = true
	d.lastEvent = time.Now()
	if d.commitSent {
		d.acked = true
	}
	if itemID == "" {
		return
	}
	if _, ok := d.answered[itemID]; ok {
		delete(d.answered, itemID)
		return
	}
	d.pending[itemID] = struct{}{}
}

func (s *Session) trackCompletedLocked(itemID string) {
	d := &s.drain
	d.lastFinal = time.Now()
	d.lastEvent = d.lastFinal
	if d.inFlight > 0 {
		d.inFlight--
	}
	if itemID == "" {
		return
	}
	if _, ok := d.pending[itemID]; ok {
		delete(d.pending, itemID)
		return
	}
	if d.commitSeen {
		d.answered[itemID] = struct{}{}
	}
}

func (s *Session) signalFinalLocked() {
	select {
	case s.finals <- struct{}{}:
	default:
	}
}

func (s *Session) textLocked() string {
	return joinText(s.committed, strings.TrimSpace(s.partial))
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}

func (s *Session) fail(reason string, cause error) error {
	return s.failWith(&transcribe.SessionError{Backend: s.backend.String(), Reason: reason, Err: cause})
}

// failWith moves the session to Failed, stops further sends, and tears
// down the transport.
func (s *Session) failWith(se *transcribe.SessionError) error {
	s.mu.Lock()
	if s.state == Failed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.err = se
	s.buf.Reset()
	s.outbox = nil
	s.setState(Failed)
	s.publishLocked(false)
	cancel := s.loopCancel
	s.mu.Unlock()

	slog.Error("stream: session failed", "session", s.id, "backend", s.backend.String(), "reason", se.Reason, "error", se.Err)

	if err := s.transport.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("stream: transport close", "session", s.id, "error", err)
	}
	if cancel != nil {
		cancel()
	}
	return se
}

// setState records a transition; the caller must hold mu.
func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	slog.Debug("stream state", "session", s.id, "from", s.state, "to", st)
	s.state = st
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.id, st)
	}
}

// publishLocked sends a snapshot without blocking; the caller must hold mu.
func (s *Session) publishLocked(final bool) {
	if s.updatesClosed {
		return
	}
	u := Update{
		SessionID: s.id,
		Text:      s.textLocked(),
		Final:     final,
		State:     s.state,
		Err:       s.err,
	}
	select {
	case s.updates <- u:
	default:
		slog.Debug("stream: update dropped", "session", s.id)
	}
}
