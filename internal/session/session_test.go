package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/internal/session/seqstore"
)

// pipeDialer hands the session one end of a net.Pipe and the test the other,
// so tests can script the venue side of the conversation.
type pipeDialer struct {
	conns chan net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context, address string) (Conn, error) {
	client, server := net.Pipe()
	select {
	case d.conns <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type captureHandler struct {
	mu      sync.Mutex
	msgs    []*fix.Message
	states  []State
	msgCh   chan *fix.Message
	stateCh chan State
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		msgCh:   make(chan *fix.Message, 32),
		stateCh: make(chan State, 32),
	}
}

func (h *captureHandler) OnMessage(venue string, msg *fix.Message) {
	c := msg.Clone()
	h.mu.Lock()
	h.msgs = append(h.msgs, c)
	h.mu.Unlock()
	select {
	case h.msgCh <- c:
	default:
	}
}

func (h *captureHandler) OnStateChange(venue string, from, to State) {
	h.mu.Lock()
	h.states = append(h.states, to)
	h.mu.Unlock()
	select {
	case h.stateCh <- to:
	default:
	}
}

func (h *captureHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// testVenue is the scripted counterparty. It speaks real FIX over its pipe
// end with its own sequence numbering.
type testVenue struct {
	t    *testing.T
	conn net.Conn
	sc   *fix.Scanner
	seq  uint64
}

func newTestVenue(t *testing.T, conn net.Conn) *testVenue {
	return &testVenue{t: t, conn: conn, sc: fix.NewScanner(conn, 0), seq: 1}
}

// next reads and decodes whatever frame the session sends next.
func (v *testVenue) next() *fix.Message {
	v.t.Helper()
	v.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	frame, err := v.sc.Next()
	require.NoError(v.t, err, "venue read")
	msg, err := fix.Decode(frame)
	require.NoError(v.t, err, "venue decode")
	clone := msg.Clone()
	msg.Release()
	return clone
}

// expect reads the next frame and asserts its message type.
func (v *testVenue) expect(msgType string) *fix.Message {
	v.t.Helper()
	msg := v.next()
	require.Equal(v.t, msgType, msg.MsgType(), "unexpected message type, fields: %v", msg.Fields())
	return msg
}

// send stamps the venue-side header with the next venue sequence number and
// writes the frame.
func (v *testVenue) send(b *fix.Builder) {
	v.t.Helper()
	v.sendSeq(v.seq, b)
	v.seq++
}

// sendSeq writes a frame with an explicit sequence number without advancing
// the venue counter.
func (v *testVenue) sendSeq(seq uint64, b *fix.Builder) {
	v.t.Helper()
	msg := b.Build()
	fix.StampHeader(msg, fix.BeginStringFIX42, seq, "VENUE", "FIXCORE", time.Now())
	frame, err := fix.Encode(nil, msg)
	require.NoError(v.t, err)
	v.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, err = v.conn.Write(frame)
	require.NoError(v.t, err, "venue write")
}

func newTestSession(t *testing.T, mutate func(*Config)) (*Session, *pipeDialer, *captureHandler, *seqstore.MemoryStore) {
	t.Helper()
	cfg := Config{
		Venue:             "SIM",
		Address:           "sim.example:9898",
		SenderCompID:      "FIXCORE",
		TargetCompID:      "VENUE",
		HeartbeatInterval: time.Hour,
		LogonTimeout:      3 * time.Second,
		LogoutTimeout:     2 * time.Second,
		ReconnectDelay:    5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dialer := &pipeDialer{conns: make(chan net.Conn, 4)}
	handler := newCaptureHandler()
	store := seqstore.NewMemoryStore()
	s, err := New(cfg, dialer, store, handler, zap.NewNop())
	require.NoError(t, err)
	return s, dialer, handler, store
}

func acceptConn(t *testing.T, d *pipeDialer) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("session did not dial")
		return nil
	}
}

func waitState(t *testing.T, h *captureHandler, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-h.stateCh:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitMessage(t *testing.T, h *captureHandler) *fix.Message {
	t.Helper()
	select {
	case m := <-h.msgCh:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for application message")
		return nil
	}
}

func assertNoMessage(t *testing.T, h *captureHandler) {
	t.Helper()
	select {
	case m := <-h.msgCh:
		t.Fatalf("unexpected message delivered: %v", m.Fields())
	default:
	}
}

// logonExchange consumes the session's Logon and replies, leaving the
// session Active.
func logonExchange(t *testing.T, v *testVenue, h *captureHandler, hbSeconds int) {
	t.Helper()
	logon := v.expect(fix.MsgTypeLogon)
	method, _ := logon.GetString(fix.TagEncryptMethod)
	assert.Equal(t, fix.EncryptMethodNone, method)
	v.send(fix.NewBuilder(fix.MsgTypeLogon).
		Add(fix.TagEncryptMethod, fix.EncryptMethodNone).
		AddInt(fix.TagHeartBtInt, hbSeconds))
	waitState(t, h, StateActive)
}

func execReport(execID string) *fix.Builder {
	return fix.NewBuilder(fix.MsgTypeExecutionReport).
		Add(fix.TagOrderID, "V-100").
		Add(fix.TagExecID, execID).
		Add(fix.TagClOrdID, "C-100").
		Add(fix.TagExecType, fix.ExecTypeNew).
		Add(fix.TagOrdStatus, fix.OrdStatusNew).
		Add(fix.TagSymbol, "AAPL")
}

func execReportDup(execID string) *fix.Builder {
	return execReport(execID).AddBool(fix.TagPossDupFlag, true)
}

// stopSession runs Stop concurrently with the venue-side logout exchange.
func stopSession(t *testing.T, s *Session, v *testVenue) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- s.Stop(ctx)
	}()
	v.expect(fix.MsgTypeLogout)
	v.send(fix.NewBuilder(fix.MsgTypeLogout))
	require.NoError(t, <-errCh)
}

func TestSessionNewValidation(t *testing.T) {
	log := zap.NewNop()
	store := seqstore.NewMemoryStore()
	handler := newCaptureHandler()
	base := Config{
		Venue: "SIM", Address: "a:1",
		SenderCompID: "S", TargetCompID: "T",
	}

	cases := []struct {
		name   string
		mutate func(*Config) (seqstore.Store, Handler)
	}{
		{"missing venue", func(c *Config) (seqstore.Store, Handler) { c.Venue = ""; return store, handler }},
		{"missing address", func(c *Config) (seqstore.Store, Handler) { c.Address = ""; return store, handler }},
		{"missing comp ids", func(c *Config) (seqstore.Store, Handler) { c.SenderCompID = ""; return store, handler }},
		{"missing store", func(c *Config) (seqstore.Store, Handler) { return nil, handler }},
		{"missing handler", func(c *Config) (seqstore.Store, Handler) { return store, nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			st, h := tc.mutate(&cfg)
			_, err := New(cfg, nil, st, h, log)
			assert.Error(t, err)
		})
	}

	s, err := New(base, nil, store, handler, log)
	require.NoError(t, err)
	assert.Equal(t, "SIM", s.Venue())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionLogonHandshakeAndSend(t *testing.T) {
	s, d, h, store := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))

	v := newTestVenue(t, acceptConn(t, d))

	logon := v.expect(fix.MsgTypeLogon)
	assert.Equal(t, uint64(1), logon.SeqNum())
	sender, _ := logon.GetString(fix.TagSenderCompID)
	target, _ := logon.GetString(fix.TagTargetCompID)
	assert.Equal(t, "FIXCORE", sender)
	assert.Equal(t, "VENUE", target)
	hb, err := logon.GetInt(fix.TagHeartBtInt)
	require.NoError(t, err)
	assert.Equal(t, 3600, hb)
	_, hasTime := logon.Get(fix.TagSendingTime)
	assert.True(t, hasTime)

	v.send(fix.NewBuilder(fix.MsgTypeLogon).
		Add(fix.TagEncryptMethod, fix.EncryptMethodNone).
		AddInt(fix.TagHeartBtInt, 3600))
	waitState(t, h, StateActive)

	order := fix.NewBuilder(fix.MsgTypeNewOrderSingle).
		Add(fix.TagClOrdID, "C-1").
		Add(fix.TagSymbol, "AAPL").
		Add(fix.TagSide, fix.SideBuy).
		Add(fix.TagOrdType, fix.OrdTypeLimit).
		Add(fix.TagOrderQty, "100").
		Add(fix.TagPrice, "187.45").Build()
	require.NoError(t, s.Send(order))

	got := v.expect(fix.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(2), got.SeqNum())
	clOrdID, _ := got.GetString(fix.TagClOrdID)
	assert.Equal(t, "C-1", clOrdID)

	stopSession(t, s, v)
	waitState(t, h, StateDisconnected)

	in, out, err := store.Load(context.Background(), "SIM")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), in, "venue sent logon and logout")
	assert.Equal(t, uint64(4), out, "we sent logon, order and logout")
}

func TestSessionSendRequiresActive(t *testing.T) {
	s, _, _, _ := newTestSession(t, nil)
	err := s.Send(fix.NewBuilder(fix.MsgTypeHeartbeat).Build())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSessionGapRecoveryBuffersAndDrains(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	// Venue skips sequence numbers 2 and 3.
	v.sendSeq(4, execReport("E3"))

	rr := v.expect(fix.MsgTypeResendRequest)
	from, err := rr.GetUint64(fix.TagBeginSeqNo)
	require.NoError(t, err)
	to, err := rr.GetUint64(fix.TagEndSeqNo)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), from)
	assert.Equal(t, uint64(3), to)

	// Nothing is delivered while the gap is open.
	assertNoMessage(t, h)

	v.sendSeq(2, execReportDup("E1"))
	v.sendSeq(3, execReportDup("E2"))

	var ids []string
	for i := 0; i < 3; i++ {
		m := waitMessage(t, h)
		id, _ := m.GetString(fix.TagExecID)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"E1", "E2", "E3"}, ids, "buffered message drains after the gap fills")

	in, _ := s.SequenceNumbers()
	assert.Equal(t, uint64(5), in)

	v.seq = 5
	stopSession(t, s, v)
}

func TestSessionDropsPossDupReplay(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	v.send(execReport("E1"))
	first := waitMessage(t, h)
	id, _ := first.GetString(fix.TagExecID)
	assert.Equal(t, "E1", id)

	// Replay of an already-seen sequence number with PossDupFlag is silent.
	v.sendSeq(2, execReportDup("E1"))

	v.send(execReport("E2"))
	second := waitMessage(t, h)
	id, _ = second.GetString(fix.TagExecID)
	assert.Equal(t, "E2", id)

	assert.Equal(t, 2, h.messageCount())
	assert.False(t, s.Failed())
	assert.Equal(t, StateActive, s.State())

	stopSession(t, s, v)
}

func TestSessionFailsOnSequenceRegression(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	v.send(execReport("E1"))
	waitMessage(t, h)

	// Same sequence number again without PossDupFlag: unrecoverable.
	v.sendSeq(2, execReport("E1-AGAIN"))

	waitState(t, h, StateDisconnected)
	assert.True(t, s.Failed())
	assert.Equal(t, 1, h.messageCount(), "regressed message must not be delivered")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	// A failed session refuses to start until operators intervene.
	assert.ErrorIs(t, s.Start(context.Background()), ErrFailed)
}

func TestSessionInboundGapFillAdvances(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	v.sendSeq(2, fix.NewBuilder(fix.MsgTypeSequenceReset).
		AddBool(fix.TagGapFillFlag, true).
		AddUint64(fix.TagNewSeqNo, 8))

	v.sendSeq(8, execReport("AFTER-GAP"))
	m := waitMessage(t, h)
	id, _ := m.GetString(fix.TagExecID)
	assert.Equal(t, "AFTER-GAP", id)

	in, _ := s.SequenceNumbers()
	assert.Equal(t, uint64(9), in)

	v.seq = 9
	stopSession(t, s, v)
}

func TestSessionHardSequenceReset(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	// A hard reset applies no matter what sequence number it carries.
	v.sendSeq(99, fix.NewBuilder(fix.MsgTypeSequenceReset).
		AddUint64(fix.TagNewSeqNo, 50))
	v.sendSeq(50, execReport("R1"))
	m := waitMessage(t, h)
	id, _ := m.GetString(fix.TagExecID)
	assert.Equal(t, "R1", id)

	// Backward resets are refused.
	v.sendSeq(100, fix.NewBuilder(fix.MsgTypeSequenceReset).
		AddUint64(fix.TagNewSeqNo, 1))
	v.sendSeq(51, execReport("R2"))
	m = waitMessage(t, h)
	id, _ = m.GetString(fix.TagExecID)
	assert.Equal(t, "R2", id)

	in, _ := s.SequenceNumbers()
	assert.Equal(t, uint64(52), in)

	v.seq = 52
	stopSession(t, s, v)
}

func TestSessionAnswersResendRequestWithGapFill(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	v.send(fix.NewBuilder(fix.MsgTypeResendRequest).
		AddUint64(fix.TagBeginSeqNo, 1).
		AddUint64(fix.TagEndSeqNo, 0))

	gf := v.expect(fix.MsgTypeSequenceReset)
	assert.Equal(t, uint64(1), gf.SeqNum(), "gap fill carries the requested BeginSeqNo")
	assert.True(t, gf.GetBool(fix.TagGapFillFlag))
	assert.True(t, gf.PossDup())
	newSeq, err := gf.GetUint64(fix.TagNewSeqNo)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newSeq, "counterparty resumes at our next outbound")

	// The gap fill must not consume a real sequence number.
	require.NoError(t, s.Send(fix.NewBuilder(fix.MsgTypeNewOrderSingle).
		Add(fix.TagClOrdID, "C-2").
		Add(fix.TagSymbol, "MSFT").
		Add(fix.TagSide, fix.SideSell).
		Add(fix.TagOrdType, fix.OrdTypeMarket).
		Add(fix.TagOrderQty, "5").Build()))
	order := v.expect(fix.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(2), order.SeqNum())

	stopSession(t, s, v)
}

func TestSessionLogonSequenceGapRecovers(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))

	v.expect(fix.MsgTypeLogon)

	// The venue's logon ack arrives with sequence 5 while we expect 1: the
	// logon is buffered and the gap resent before the session goes active.
	v.sendSeq(5, fix.NewBuilder(fix.MsgTypeLogon).
		Add(fix.TagEncryptMethod, fix.EncryptMethodNone).
		AddInt(fix.TagHeartBtInt, 3600))

	rr := v.expect(fix.MsgTypeResendRequest)
	from, _ := rr.GetUint64(fix.TagBeginSeqNo)
	to, _ := rr.GetUint64(fix.TagEndSeqNo)
	assert.Equal(t, uint64(1), from)
	assert.Equal(t, uint64(4), to)

	v.sendSeq(1, fix.NewBuilder(fix.MsgTypeSequenceReset).
		AddBool(fix.TagPossDupFlag, true).
		AddBool(fix.TagGapFillFlag, true).
		AddUint64(fix.TagNewSeqNo, 5))

	waitState(t, h, StateActive)
	in, _ := s.SequenceNumbers()
	assert.Equal(t, uint64(6), in)

	v.seq = 6
	stopSession(t, s, v)
}

func TestSessionReconnectResumesSequences(t *testing.T) {
	s, d, h, _ := newTestSession(t, func(c *Config) {
		c.ReconnectDelay = 50 * time.Millisecond
		c.MaxReconnectDelay = 100 * time.Millisecond
	})
	require.NoError(t, s.Start(context.Background()))

	v1 := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v1, h, 3600)

	v1.send(execReport("E1"))
	waitMessage(t, h)
	require.NoError(t, s.Send(fix.NewBuilder(fix.MsgTypeNewOrderSingle).
		Add(fix.TagClOrdID, "C-1").
		Add(fix.TagSymbol, "AAPL").
		Add(fix.TagSide, fix.SideBuy).
		Add(fix.TagOrdType, fix.OrdTypeMarket).
		Add(fix.TagOrderQty, "10").Build()))
	order := v1.expect(fix.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(2), order.SeqNum())

	// Venue drops the line; the session reconnects with continuity.
	v1.conn.Close()
	waitState(t, h, StateDisconnected)

	v2 := newTestVenue(t, acceptConn(t, d))
	v2.seq = 3
	logon := v2.expect(fix.MsgTypeLogon)
	assert.Equal(t, uint64(3), logon.SeqNum(), "outbound numbering continues across reconnect")
	v2.send(fix.NewBuilder(fix.MsgTypeLogon).
		Add(fix.TagEncryptMethod, fix.EncryptMethodNone).
		AddInt(fix.TagHeartBtInt, 3600))
	waitState(t, h, StateActive)

	in, out := s.SequenceNumbers()
	assert.Equal(t, uint64(4), in)
	assert.Equal(t, uint64(4), out)

	stopSession(t, s, v2)
}

func TestSessionResetOnLogon(t *testing.T) {
	s, d, h, store := newTestSession(t, func(c *Config) {
		c.ResetOnLogon = true
	})
	require.NoError(t, store.Persist(context.Background(), "SIM", 50, 60))
	require.NoError(t, s.Start(context.Background()))

	v := newTestVenue(t, acceptConn(t, d))
	logon := v.expect(fix.MsgTypeLogon)
	assert.Equal(t, uint64(1), logon.SeqNum(), "reset logon starts at 1")
	assert.True(t, logon.GetBool(fix.TagResetSeqNumFlag))

	v.send(fix.NewBuilder(fix.MsgTypeLogon).
		Add(fix.TagEncryptMethod, fix.EncryptMethodNone).
		AddInt(fix.TagHeartBtInt, 3600).
		AddBool(fix.TagResetSeqNumFlag, true))
	waitState(t, h, StateActive)

	in, out := s.SequenceNumbers()
	assert.Equal(t, uint64(2), in)
	assert.Equal(t, uint64(2), out)

	stopSession(t, s, v)
}

func TestSessionCounterpartyLogout(t *testing.T) {
	s, d, h, _ := newTestSession(t, nil)
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 3600)

	v.send(fix.NewBuilder(fix.MsgTypeLogout).Add(fix.TagText, "maintenance window"))

	reply := v.expect(fix.MsgTypeLogout)
	assert.Equal(t, uint64(2), reply.SeqNum())
	waitState(t, h, StateDisconnected)
	assert.False(t, s.Failed())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSessionLogonTimeout(t *testing.T) {
	s, d, h, _ := newTestSession(t, func(c *Config) {
		c.LogonTimeout = 150 * time.Millisecond
	})
	require.NoError(t, s.Start(context.Background()))

	v := newTestVenue(t, acceptConn(t, d))
	v.expect(fix.MsgTypeLogon)
	// Never acknowledge.
	waitState(t, h, StateDisconnected)
	assert.False(t, s.Failed())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSessionHeartbeatSupervision(t *testing.T) {
	const hb = 300 * time.Millisecond
	s, d, h, _ := newTestSession(t, func(c *Config) {
		c.HeartbeatInterval = hb
	})
	require.NoError(t, s.Start(context.Background()))
	v := newTestVenue(t, acceptConn(t, d))
	logonExchange(t, v, h, 0)

	// With the venue silent the session first heartbeats on its own idle
	// outbound, then probes with a TestRequest at 1.2 intervals.
	var sawHeartbeat bool
	var testReqID string
	deadline := time.Now().Add(5 * hb)
	for time.Now().Before(deadline) {
		msg := v.next()
		if msg.MsgType() == fix.MsgTypeHeartbeat {
			sawHeartbeat = true
			continue
		}
		if msg.MsgType() == fix.MsgTypeTestRequest {
			testReqID, _ = msg.GetString(fix.TagTestReqID)
			break
		}
	}
	require.NotEmpty(t, testReqID, "expected a TestRequest probe")
	assert.True(t, sawHeartbeat, "heartbeat precedes the probe")
	assert.Equal(t, StateActive, s.State())

	// Answer the probe, then go silent for good. Three idle intervals later
	// the session declares the venue dead and disconnects.
	v.send(fix.NewBuilder(fix.MsgTypeHeartbeat).Add(fix.TagTestReqID, testReqID))
	go func() {
		for {
			v.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := v.sc.Next(); err != nil {
				return
			}
		}
	}()

	waitState(t, h, StateDisconnected)
	assert.False(t, s.Failed(), "heartbeat death is not a sequence failure")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
