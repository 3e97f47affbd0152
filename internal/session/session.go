// Package session implements the per-venue FIX session layer: logon and
// logout handshakes, heartbeat supervision, sequence number tracking with
// durable persistence, and gap recovery through ResendRequest. Application
// messages are delivered to a Handler in sequence order; everything at the
// session level (Heartbeat, TestRequest, ResendRequest, SequenceReset,
// Reject) is consumed here.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/internal/session/seqstore"
	"github.com/quantfabric/fixcore/pkg/metrics"
)

var (
	// ErrNotActive is returned by Send when the session is not logged on.
	ErrNotActive = errors.New("session: not active")

	// ErrFailed is returned once the session has seen a sequence regression
	// without PossDupFlag. A failed session never reconnects on its own;
	// operators must reset sequence numbers and restart it.
	ErrFailed = errors.New("session: failed on sequence regression")

	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("session: already running")
)

// writeTimeout bounds a single frame write. A venue that cannot drain a
// frame within this window is treated as dead.
const writeTimeout = 10 * time.Second

// Config describes one venue session. The engine builds one Session per
// configured venue.
type Config struct {
	Venue        string
	Address      string
	BeginString  string
	SenderCompID string
	TargetCompID string

	HeartbeatInterval time.Duration
	LogonTimeout      time.Duration
	LogoutTimeout     time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// ResetOnLogon sends ResetSeqNumFlag(141)=Y and restarts both sequence
	// counters at 1 on every connect. Production venues keep this off so
	// sequence continuity survives restarts.
	ResetOnLogon bool

	// MaxPendingBuffer caps how many out-of-order messages are held while a
	// sequence gap is being resent. Messages beyond the cap are dropped and
	// recovered by a later ResendRequest.
	MaxPendingBuffer int

	MaxFrameBytes int
}

func (c Config) withDefaults() Config {
	if c.BeginString == "" {
		c.BeginString = fix.BeginStringFIX42
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = 10 * time.Second
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxPendingBuffer <= 0 {
		c.MaxPendingBuffer = 512
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = fix.DefaultMaxFrameBytes
	}
	return c
}

// Handler receives session callbacks. OnMessage is called from the session's
// read goroutine with application messages in sequence order; the message is
// only valid for the duration of the call, Clone it to retain. OnStateChange
// fires on every lifecycle transition.
type Handler interface {
	OnMessage(venue string, msg *fix.Message)
	OnStateChange(venue string, from, to State)
}

// outbound is one queued write. seq 0 means the writer assigns the next
// outbound sequence number; a nonzero seq is used verbatim without advancing
// the counter (gap fill answers).
type outbound struct {
	msg *fix.Message
	seq uint64
}

// epoch is the state of one transport connection. A session runs epochs
// sequentially: dial, logon, run, teardown, reconnect.
type epoch struct {
	conn   Conn
	sendCh chan outbound

	done     chan struct{}
	doneOnce sync.Once

	active     chan struct{}
	activeOnce sync.Once

	connOnce sync.Once
	wg       sync.WaitGroup
}

// shutdown signals the epoch to end. The write loop drains queued frames and
// closes the connection, which unblocks the read loop.
func (e *epoch) shutdown() {
	e.doneOnce.Do(func() { close(e.done) })
}

func (e *epoch) closeConn() {
	e.connOnce.Do(func() { e.conn.Close() })
}

func (e *epoch) markActive() {
	e.activeOnce.Do(func() { close(e.active) })
}

// Session is a single-venue FIX session. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg     Config
	dialer  Dialer
	store   seqstore.Store
	handler Handler
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	failed  bool
	running bool
	cur     *epoch
	nextIn  uint64
	nextOut uint64

	// Gap recovery state, owned by the read goroutine.
	pending    map[uint64]*fix.Message
	gapOpen    bool
	resendHigh uint64

	gapSince  atomic.Int64
	lastRecv  atomic.Int64
	lastSent  atomic.Int64
	testReqID atomic.Value

	wbuf []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a session for one venue. A nil dialer defaults to plain TCP.
func New(cfg Config, dialer Dialer, store seqstore.Store, handler Handler, log *zap.Logger) (*Session, error) {
	if cfg.Venue == "" {
		return nil, errors.New("session: venue is required")
	}
	if cfg.Address == "" {
		return nil, errors.New("session: address is required")
	}
	if cfg.SenderCompID == "" || cfg.TargetCompID == "" {
		return nil, errors.New("session: sender and target comp IDs are required")
	}
	if store == nil {
		return nil, errors.New("session: sequence store is required")
	}
	if handler == nil {
		return nil, errors.New("session: handler is required")
	}
	if dialer == nil {
		dialer = &TCPDialer{}
	}
	s := &Session{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		store:   store,
		handler: handler,
		log:     log.With(zap.String("venue", cfg.Venue)),
		state:   StateDisconnected,
		pending: make(map[uint64]*fix.Message),
	}
	s.testReqID.Store("")
	return s, nil
}

// Venue returns the venue this session speaks to.
func (s *Session) Venue() string { return s.cfg.Venue }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed reports whether the session hit a fatal sequence regression.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// SequenceNumbers returns the next expected inbound and next outbound
// sequence numbers.
func (s *Session) SequenceNumbers() (in, out uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIn, s.nextOut
}

// Start loads durable sequence numbers and begins connecting. It returns
// once the connect loop is running; logon completion is reported through the
// handler's OnStateChange.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.failed {
		s.mu.Unlock()
		return ErrFailed
	}
	s.running = true
	s.mu.Unlock()

	in, out, err := s.store.Load(ctx, s.cfg.Venue)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("load sequence numbers for %s: %w", s.cfg.Venue, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.nextIn, s.nextOut = in, out
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("session starting",
		zap.String("address", s.cfg.Address),
		zap.Uint64("next_inbound", in),
		zap.Uint64("next_outbound", out))

	go s.run(runCtx)
	return nil
}

// Stop logs out if the session is active, waits for the counter-Logout up to
// the configured timeout, and tears the session down. It is safe to call on
// a session that never started.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	state := s.state
	ep := s.cur
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if state == StateActive && ep != nil {
		s.setState(StateLogoutPending)
		s.enqueue(ep, outbound{msg: fix.NewBuilder(fix.MsgTypeLogout).Build()})
		timer := time.NewTimer(s.cfg.LogoutTimeout)
		select {
		case <-ep.done:
		case <-timer.C:
			s.log.Warn("logout not acknowledged, dropping connection")
		case <-ctx.Done():
		}
		timer.Stop()
		ep.shutdown()
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Send queues an application message for transmission. The session writer
// stamps the header (sequence number, comp IDs, sending time) and encodes
// the frame. The message must not be reused after Send.
func (s *Session) Send(msg *fix.Message) error {
	s.mu.Lock()
	state, ep, failed := s.state, s.cur, s.failed
	s.mu.Unlock()
	if failed {
		return ErrFailed
	}
	if state != StateActive || ep == nil {
		return ErrNotActive
	}
	select {
	case ep.sendCh <- outbound{msg: msg}:
		return nil
	case <-ep.done:
		return ErrNotActive
	}
}

// run is the connect loop: dial, run one epoch, back off, repeat. It exits
// on Stop or when the session fails.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	delay := s.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil || s.Failed() {
			return
		}
		conn, err := s.dialer.Dial(ctx, s.cfg.Address)
		if err != nil {
			s.log.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.cfg.MaxReconnectDelay {
				delay = s.cfg.MaxReconnectDelay
			}
			continue
		}

		loggedOn := s.runConn(ctx, conn)
		if ctx.Err() != nil || s.Failed() {
			return
		}
		if loggedOn {
			delay = s.cfg.ReconnectDelay
		}
		s.log.Info("disconnected, reconnecting", zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !loggedOn {
			delay *= 2
			if delay > s.cfg.MaxReconnectDelay {
				delay = s.cfg.MaxReconnectDelay
			}
		}
	}
}

// runConn drives a single connection epoch and blocks until it is torn
// down. It reports whether the logon handshake completed.
func (s *Session) runConn(ctx context.Context, conn Conn) (loggedOn bool) {
	ep := &epoch{
		conn:   conn,
		sendCh: make(chan outbound, 64),
		done:   make(chan struct{}),
		active: make(chan struct{}),
	}
	defer ep.closeConn()

	s.mu.Lock()
	s.cur = ep
	s.mu.Unlock()

	now := time.Now().UnixNano()
	s.lastRecv.Store(now)
	s.lastSent.Store(now)
	s.testReqID.Store("")
	s.setState(StateLogonPending)

	ep.wg.Add(2)
	go s.readLoop(ep)
	go s.writeLoop(ep)

	s.sendLogon(ep)

	logonTimer := time.NewTimer(s.cfg.LogonTimeout)
	select {
	case <-ep.active:
		loggedOn = true
		ep.wg.Add(1)
		go s.keepAlive(ep)
	case <-logonTimer.C:
		s.log.Warn("logon timed out", zap.Duration("timeout", s.cfg.LogonTimeout))
		ep.shutdown()
	case <-ep.done:
	case <-ctx.Done():
		ep.shutdown()
	}
	logonTimer.Stop()

	if loggedOn {
		select {
		case <-ep.done:
		case <-ctx.Done():
			ep.shutdown()
		}
	}
	<-ep.done
	ep.wg.Wait()

	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
	s.clearGapState()
	s.setState(StateDisconnected)
	return loggedOn
}

// readLoop frames, decodes and dispatches inbound messages until the
// connection dies.
func (s *Session) readLoop(ep *epoch) {
	defer ep.wg.Done()
	defer ep.shutdown()

	idleLimit := 3*s.cfg.HeartbeatInterval + s.cfg.HeartbeatInterval/2
	sc := fix.NewScanner(ep.conn, s.cfg.MaxFrameBytes)
	for {
		ep.conn.SetReadDeadline(time.Now().Add(idleLimit))
		frame, err := sc.Next()
		if err != nil {
			select {
			case <-ep.done:
			default:
				s.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())

		msg, err := fix.Decode(frame)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(s.cfg.Venue, decodeReason(err)).Inc()
			s.log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(frame)))
			continue
		}
		s.handleMessage(ep, msg)
		msg.Release()
	}
}

// writeLoop owns the connection for writing. On shutdown it drains frames
// already queued (the counter-Logout in particular) before closing the
// connection, which unblocks the read loop.
func (s *Session) writeLoop(ep *epoch) {
	defer ep.wg.Done()
	defer ep.closeConn()

	for {
		select {
		case out := <-ep.sendCh:
			if err := s.writeMessage(ep, out); err != nil {
				s.log.Warn("write failed", zap.Error(err))
				ep.shutdown()
				return
			}
		case <-ep.done:
			for {
				select {
				case out := <-ep.sendCh:
					if err := s.writeMessage(ep, out); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeMessage stamps the session header, encodes and writes one frame, and
// persists the advanced sequence pair.
func (s *Session) writeMessage(ep *epoch, out outbound) error {
	for _, f := range out.msg.Fields() {
		if bytes.IndexByte(f.Value, fix.SOH) >= 0 {
			s.log.Error("dropping outbound message with embedded SOH",
				zap.String("msg_type", out.msg.MsgType()), zap.Int("tag", f.Tag))
			return nil
		}
	}

	s.mu.Lock()
	seq := out.seq
	assigned := seq == 0
	if assigned {
		seq = s.nextOut
		s.nextOut++
	}
	in, next := s.nextIn, s.nextOut
	s.mu.Unlock()

	fix.StampHeader(out.msg, s.cfg.BeginString, seq, s.cfg.SenderCompID, s.cfg.TargetCompID, time.Now())

	var err error
	s.wbuf, err = fix.Encode(s.wbuf[:0], out.msg)
	if err != nil {
		s.log.Error("dropping unencodable outbound message",
			zap.String("msg_type", out.msg.MsgType()), zap.Error(err))
		return nil
	}

	ep.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := ep.conn.Write(s.wbuf); err != nil {
		return fmt.Errorf("write %s seq %d: %w", out.msg.MsgType(), seq, err)
	}
	s.lastSent.Store(time.Now().UnixNano())
	metrics.MessagesSent.WithLabelValues(s.cfg.Venue, out.msg.MsgType()).Inc()

	if assigned {
		if err := s.store.Persist(context.Background(), s.cfg.Venue, in, next); err != nil {
			s.log.Error("persist sequence numbers", zap.Error(err))
		}
	}
	return nil
}

// keepAlive supervises traffic in both directions once the session is
// active: outbound heartbeats on idle, a TestRequest after 1.2 intervals of
// inbound silence, and a forced disconnect after 3 intervals. It also
// re-issues ResendRequest when a sequence gap stays open for a full
// interval.
func (s *Session) keepAlive(ep *epoch) {
	defer ep.wg.Done()

	hb := s.cfg.HeartbeatInterval
	probeAfter := hb + hb/5
	ticker := time.NewTicker(hb / 4)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ep.done:
			return
		case <-ticker.C:
		}
		now := time.Now()

		if now.Sub(time.Unix(0, s.lastSent.Load())) >= hb {
			s.enqueue(ep, outbound{msg: fix.NewBuilder(fix.MsgTypeHeartbeat).Build()})
		}

		idle := now.Sub(time.Unix(0, s.lastRecv.Load()))
		level := int(idle / hb)
		if level > missed {
			metrics.HeartbeatsMissed.WithLabelValues(s.cfg.Venue).Add(float64(level - missed))
		}
		missed = level

		if level >= 3 {
			s.log.Error("no inbound traffic for three heartbeat intervals, dropping connection",
				zap.Duration("idle", idle))
			ep.shutdown()
			return
		}
		if idle >= probeAfter {
			if cur, _ := s.testReqID.Load().(string); cur == "" {
				id := uuid.NewString()
				s.testReqID.Store(id)
				s.log.Warn("inbound traffic stalled, sending TestRequest",
					zap.Duration("idle", idle), zap.String("test_req_id", id))
				s.enqueue(ep, outbound{msg: fix.NewBuilder(fix.MsgTypeTestRequest).
					Add(fix.TagTestReqID, id).Build()})
			}
		} else {
			s.testReqID.Store("")
		}

		if opened := s.gapSince.Load(); opened != 0 && now.Sub(time.Unix(0, opened)) > hb {
			s.mu.Lock()
			expected := s.nextIn
			s.mu.Unlock()
			s.gapSince.Store(now.UnixNano())
			s.log.Warn("sequence gap still open, re-requesting", zap.Uint64("from", expected))
			s.sendResendRequest(ep, expected, 0)
		}
	}
}

func (s *Session) sendLogon(ep *epoch) {
	b := fix.NewBuilder(fix.MsgTypeLogon).
		Add(fix.TagEncryptMethod, fix.EncryptMethodNone).
		AddInt(fix.TagHeartBtInt, int(s.cfg.HeartbeatInterval/time.Second))
	if s.cfg.ResetOnLogon {
		b.AddBool(fix.TagResetSeqNumFlag, true)
		s.mu.Lock()
		s.nextIn, s.nextOut = 1, 1
		s.mu.Unlock()
	}
	s.enqueue(ep, outbound{msg: b.Build()})
}

func (s *Session) sendResendRequest(ep *epoch, from, to uint64) {
	metrics.ResendRequests.WithLabelValues(s.cfg.Venue).Inc()
	s.enqueue(ep, outbound{msg: fix.NewBuilder(fix.MsgTypeResendRequest).
		AddUint64(fix.TagBeginSeqNo, from).
		AddUint64(fix.TagEndSeqNo, to).Build()})
}

// enqueue hands a message to the write loop, giving up if the epoch ends.
func (s *Session) enqueue(ep *epoch, out outbound) {
	select {
	case ep.sendCh <- out:
	case <-ep.done:
	}
}

// handleMessage applies sequence ordering rules to one decoded message.
func (s *Session) handleMessage(ep *epoch, msg *fix.Message) {
	metrics.MessagesReceived.WithLabelValues(s.cfg.Venue, msg.MsgType()).Inc()

	// A hard SequenceReset (GapFillFlag off) is the one message processed
	// regardless of its own sequence number.
	if msg.MsgType() == fix.MsgTypeSequenceReset && !msg.GetBool(fix.TagGapFillFlag) {
		s.applyHardReset(msg)
		return
	}

	seq := msg.SeqNum()
	if seq == 0 {
		s.log.Warn("dropping message without MsgSeqNum", zap.String("msg_type", msg.MsgType()))
		return
	}

	// A logon carrying ResetSeqNumFlag restarts inbound numbering at 1.
	if seq == 1 && msg.MsgType() == fix.MsgTypeLogon && msg.GetBool(fix.TagResetSeqNumFlag) {
		s.mu.Lock()
		if s.nextIn != 1 {
			s.log.Warn("counterparty reset sequence numbers on logon",
				zap.Uint64("was_expecting", s.nextIn))
			s.nextIn = 1
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	expected := s.nextIn
	s.mu.Unlock()

	switch {
	case seq == expected:
		s.advance(ep, msg)
	case seq > expected:
		s.bufferGap(ep, msg, seq, expected)
	default:
		if msg.PossDup() {
			s.log.Debug("dropping duplicate", zap.Uint64("seq", seq), zap.Uint64("expected", expected))
			return
		}
		s.fail(ep, seq, expected)
	}
}

// advance applies an in-sequence message, then drains any buffered
// successors. If holes remain below the buffered tail it requests the next
// missing range.
func (s *Session) advance(ep *epoch, msg *fix.Message) {
	s.apply(ep, msg)
	for {
		s.mu.Lock()
		next := s.nextIn
		s.mu.Unlock()
		buffered, ok := s.pending[next]
		if !ok {
			break
		}
		delete(s.pending, next)
		s.apply(ep, buffered)
		buffered.Release()
	}

	if !s.gapOpen {
		return
	}
	if len(s.pending) == 0 {
		s.gapOpen = false
		s.resendHigh = 0
		s.gapSince.Store(0)
		s.mu.Lock()
		next := s.nextIn
		s.mu.Unlock()
		s.log.Info("sequence gap recovered", zap.Uint64("next_expected", next))
		return
	}

	low := uint64(0)
	for seq := range s.pending {
		if low == 0 || seq < low {
			low = seq
		}
	}
	s.mu.Lock()
	next := s.nextIn
	s.mu.Unlock()
	if low > next && low-1 > s.resendHigh {
		s.resendHigh = low - 1
		s.gapSince.Store(time.Now().UnixNano())
		s.log.Warn("further sequence gap", zap.Uint64("expected", next), zap.Uint64("buffered_low", low))
		s.sendResendRequest(ep, next, low-1)
	}
}

// apply consumes one in-sequence message: SequenceReset-GapFill advances the
// inbound counter past messages that will never be resent, everything else
// is dispatched.
func (s *Session) apply(ep *epoch, msg *fix.Message) {
	next := msg.SeqNum() + 1
	if msg.MsgType() == fix.MsgTypeSequenceReset {
		if n, err := msg.GetUint64(fix.TagNewSeqNo); err == nil {
			if n > next {
				next = n
			}
		} else {
			s.log.Warn("sequence reset without NewSeqNo", zap.Error(err))
		}
		s.purgePendingBelow(next)
		s.setNextIn(next)
		s.log.Debug("gap fill applied", zap.Uint64("next_expected", next))
		return
	}
	s.setNextIn(next)
	s.dispatch(ep, msg)
}

// applyHardReset handles SequenceReset with GapFillFlag off: the counter
// moves to NewSeqNo no matter what sequence number the reset itself carries.
// Backward resets are refused.
func (s *Session) applyHardReset(msg *fix.Message) {
	n, err := msg.GetUint64(fix.TagNewSeqNo)
	if err != nil {
		s.log.Warn("sequence reset without NewSeqNo", zap.Error(err))
		return
	}
	s.mu.Lock()
	cur := s.nextIn
	s.mu.Unlock()
	if n < cur {
		s.log.Warn("sequence reset moves backwards, ignoring",
			zap.Uint64("new_seq_no", n), zap.Uint64("expected", cur))
		return
	}
	s.purgePendingBelow(n)
	if s.gapOpen && len(s.pending) == 0 {
		s.gapOpen = false
		s.resendHigh = 0
		s.gapSince.Store(0)
	}
	s.setNextIn(n)
	s.log.Warn("counterparty hard sequence reset", zap.Uint64("next_expected", n))
}

// dispatch handles one in-sequence message after the counter has advanced.
func (s *Session) dispatch(ep *epoch, msg *fix.Message) {
	switch msg.MsgType() {
	case fix.MsgTypeHeartbeat:
		if id, ok := msg.GetString(fix.TagTestReqID); ok {
			if want, _ := s.testReqID.Load().(string); want != "" && id == want {
				s.testReqID.Store("")
			}
		}

	case fix.MsgTypeTestRequest:
		b := fix.NewBuilder(fix.MsgTypeHeartbeat)
		if id, ok := msg.GetString(fix.TagTestReqID); ok {
			b.Add(fix.TagTestReqID, id)
		}
		s.enqueue(ep, outbound{msg: b.Build()})

	case fix.MsgTypeResendRequest:
		s.answerResendRequest(ep, msg)

	case fix.MsgTypeLogon:
		s.handleLogon(ep, msg)

	case fix.MsgTypeLogout:
		s.handleLogout(ep, msg)

	case fix.MsgTypeReject:
		ref, _ := msg.GetUint64(fix.TagRefSeqNum)
		text, _ := msg.GetString(fix.TagText)
		s.log.Warn("session-level reject", zap.Uint64("ref_seq", ref), zap.String("text", text))

	default:
		s.handler.OnMessage(s.cfg.Venue, msg)
	}
}

// answerResendRequest gap-fills the requested range. Outbound messages are
// not journaled, so the counterparty is told to skip straight to our next
// sequence number; order state is reconciled from execution reports, not
// from replayed requests.
func (s *Session) answerResendRequest(ep *epoch, msg *fix.Message) {
	from, err := msg.GetUint64(fix.TagBeginSeqNo)
	if err != nil {
		s.log.Warn("resend request without BeginSeqNo", zap.Error(err))
		return
	}
	to, _ := msg.GetUint64(fix.TagEndSeqNo)
	s.mu.Lock()
	next := s.nextOut
	s.mu.Unlock()

	gf := fix.NewBuilder(fix.MsgTypeSequenceReset).
		AddBool(fix.TagPossDupFlag, true).
		AddBool(fix.TagGapFillFlag, true).
		AddUint64(fix.TagNewSeqNo, next)
	s.enqueue(ep, outbound{msg: gf.Build(), seq: from})
	s.log.Info("answered resend request with gap fill",
		zap.Uint64("from", from), zap.Uint64("to", to), zap.Uint64("new_seq_no", next))
}

func (s *Session) handleLogon(ep *epoch, msg *fix.Message) {
	if hb, err := msg.GetInt(fix.TagHeartBtInt); err == nil {
		if want := int(s.cfg.HeartbeatInterval / time.Second); hb != want {
			s.log.Info("counterparty heartbeat interval differs",
				zap.Int("theirs", hb), zap.Int("ours", want))
		}
	}
	if msg.GetBool(fix.TagResetSeqNumFlag) && !s.cfg.ResetOnLogon {
		s.mu.Lock()
		s.nextOut = 1
		s.mu.Unlock()
		s.log.Warn("counterparty requested sequence reset, outbound restarted at 1")
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateLogonPending {
		s.log.Warn("unexpected logon", zap.String("state", state.String()))
		return
	}
	s.setState(StateActive)
	ep.markActive()
}

func (s *Session) handleLogout(ep *epoch, msg *fix.Message) {
	text, _ := msg.GetString(fix.TagText)
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateLogoutPending {
		s.log.Info("logout acknowledged")
	} else {
		s.log.Warn("counterparty initiated logout", zap.String("text", text))
		s.enqueue(ep, outbound{msg: fix.NewBuilder(fix.MsgTypeLogout).Build()})
	}
	ep.shutdown()
}

// bufferGap holds an out-of-order message and opens gap recovery if it is
// not already under way.
func (s *Session) bufferGap(ep *epoch, msg *fix.Message, seq, expected uint64) {
	if _, dup := s.pending[seq]; dup {
		s.log.Debug("already buffered", zap.Uint64("seq", seq))
		return
	}
	if len(s.pending) >= s.cfg.MaxPendingBuffer {
		s.log.Warn("gap buffer full, dropping message for later resend", zap.Uint64("seq", seq))
		return
	}
	s.pending[seq] = msg.Clone()

	if s.gapOpen {
		return
	}
	s.gapOpen = true
	s.resendHigh = seq - 1
	s.gapSince.Store(time.Now().UnixNano())
	metrics.SequenceGaps.WithLabelValues(s.cfg.Venue).Inc()
	s.log.Warn("sequence gap detected",
		zap.Uint64("expected", expected), zap.Uint64("received", seq))
	s.sendResendRequest(ep, expected, seq-1)
}

// fail marks the session dead after a sequence regression without
// PossDupFlag. There is no automatic recovery from this state.
func (s *Session) fail(ep *epoch, seq, expected uint64) {
	metrics.SequenceRegressions.WithLabelValues(s.cfg.Venue).Inc()
	s.log.Error("sequence regression without PossDupFlag, failing session",
		zap.Uint64("seq", seq), zap.Uint64("expected", expected))
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	ep.shutdown()
}

func (s *Session) setNextIn(n uint64) {
	s.mu.Lock()
	s.nextIn = n
	out := s.nextOut
	s.mu.Unlock()
	if err := s.store.Persist(context.Background(), s.cfg.Venue, n, out); err != nil {
		s.log.Error("persist sequence numbers", zap.Error(err))
	}
}

func (s *Session) purgePendingBelow(n uint64) {
	for seq, m := range s.pending {
		if seq < n {
			m.Release()
			delete(s.pending, seq)
		}
	}
}

func (s *Session) clearGapState() {
	for seq, m := range s.pending {
		m.Release()
		delete(s.pending, seq)
	}
	s.gapOpen = false
	s.resendHigh = 0
	s.gapSince.Store(0)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	metrics.SessionState.WithLabelValues(s.cfg.Venue).Set(float64(to))
	s.log.Info("session state changed",
		zap.String("from", from.String()), zap.String("to", to.String()))
	s.handler.OnStateChange(s.cfg.Venue, from, to)
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, fix.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, fix.ErrBodyLengthMismatch):
		return "body_length"
	default:
		return "malformed"
	}
}
