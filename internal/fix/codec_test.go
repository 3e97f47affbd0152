package fix

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// raw builds a wire message from a readable form using | for SOH.
func raw(s string) []byte {
	return []byte(strings.ReplaceAll(s, "|", "\x01"))
}

func TestEncodeHeartbeatKnownVector(t *testing.T) {
	msg := NewBuilder(MsgTypeHeartbeat).
		Add(TagBeginString, BeginStringFIX42).
		Build()

	out, err := Encode(nil, msg)
	require.NoError(t, err)
	assert.Equal(t, raw("8=FIX.4.2|9=5|35=0|10=161|"), out)
}

func TestDecodeKnownVector(t *testing.T) {
	msg, err := Decode(raw("8=FIX.4.2|9=5|35=0|10=161|"))
	require.NoError(t, err)
	defer msg.Release()

	assert.Equal(t, MsgTypeHeartbeat, msg.MsgType())
	begin, ok := msg.GetString(TagBeginString)
	assert.True(t, ok)
	assert.Equal(t, BeginStringFIX42, begin)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	when := time.Date(2025, 3, 14, 9, 30, 0, 125_000_000, time.UTC)
	msg := NewBuilder(MsgTypeNewOrderSingle).
		Add(TagBeginString, BeginStringFIX42).
		AddUint64(TagMsgSeqNum, 42).
		Add(TagSenderCompID, "FIXCORE").
		Add(TagTargetCompID, "NYSE").
		AddTime(TagSendingTime, when).
		Add(TagClOrdID, "ord-1").
		Add(TagSymbol, "AAPL").
		Add(TagSide, SideBuy).
		AddDecimal(TagOrderQty, decimal.NewFromInt(100)).
		Add(TagOrdType, OrdTypeLimit).
		AddDecimal(TagPrice, decimal.RequireFromString("171.25")).
		Add(TagTimeInForce, TIFDay).
		AddTime(TagTransactTime, when).
		Add(TagText, ""). // empty values are legal
		Build()

	wire, err := Encode(nil, msg)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, MsgTypeNewOrderSingle, got.MsgType())
	assert.Equal(t, uint64(42), got.SeqNum())

	sym, _ := got.GetString(TagSymbol)
	assert.Equal(t, "AAPL", sym)

	px, err := got.GetDecimal(TagPrice)
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.RequireFromString("171.25")))

	ts, err := got.GetTime(TagSendingTime)
	require.NoError(t, err)
	assert.True(t, ts.Equal(when))

	text, ok := got.GetString(TagText)
	assert.True(t, ok)
	assert.Equal(t, "", text)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	// Same frame as the known vector with the heartbeat body tampered.
	_, err := Decode(raw("8=FIX.4.2|9=5|35=1|10=161|"))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeBodyLengthMismatch(t *testing.T) {
	// Declared body of 6 with a valid checksum over the tampered bytes.
	_, err := Decode(raw("8=FIX.4.2|9=6|35=0|10=162|"))
	assert.ErrorIs(t, err, ErrBodyLengthMismatch)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
	}{
		{"non-numeric tag", raw("8=FIX.4.2|9=8|3X=0|abc|10=000|")},
		{"missing separator", []byte("8FIX.4.2")},
		{"not SOH terminated", []byte("8=FIX.4.2")},
		{"body length not second", raw("8=FIX.4.2|35=0|9=5|10=161|")},
		{"msg type not third", raw("8=FIX.4.2|9=9|49=X|35=0|10=000|")},
		{"trailing bytes", raw("8=FIX.4.2|9=5|35=0|10=161|junk")},
		{"empty message", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.in)
			assert.ErrorIs(t, err, ErrMalformedField)
		})
	}
}

func TestDecodeDuplicateTagLastWins(t *testing.T) {
	msg := NewBuilder(MsgTypeExecutionReport).
		Add(TagBeginString, BeginStringFIX42).
		Add(TagText, "first").
		Add(TagText, "second").
		Build()
	wire, err := Encode(nil, msg)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	defer got.Release()

	text, ok := got.GetString(TagText)
	assert.True(t, ok)
	assert.Equal(t, "second", text)
}

func TestEncodeRejectsEmbeddedSOH(t *testing.T) {
	msg := NewBuilder(MsgTypeHeartbeat).
		Add(TagBeginString, BeginStringFIX42).
		AddBytes(TagText, []byte{'a', SOH, 'b'}).
		Build()
	_, err := Encode(nil, msg)
	assert.ErrorIs(t, err, ErrEmbeddedSOH)
}

func TestEncodeMissingHeaders(t *testing.T) {
	noBegin := NewBuilder(MsgTypeHeartbeat).Build()
	_, err := Encode(nil, noBegin)
	assert.ErrorIs(t, err, ErrMissingBeginString)

	noType := &Message{}
	noType.append(TagBeginString, []byte(BeginStringFIX42))
	_, err = Encode(nil, noType)
	assert.ErrorIs(t, err, ErrMissingMsgType)
}

func TestGroupMarketDataEntries(t *testing.T) {
	msg := NewBuilder(MsgTypeMarketDataSnapshot).
		Add(TagBeginString, BeginStringFIX42).
		Add(TagSymbol, "MSFT").
		AddInt(TagNoMDEntries, 2).
		Add(TagMDEntryType, MDEntryTypeBid).
		AddDecimal(TagMDEntryPx, decimal.RequireFromString("415.10")).
		AddDecimal(TagMDEntrySize, decimal.NewFromInt(300)).
		Add(TagMDEntryType, MDEntryTypeOffer).
		AddDecimal(TagMDEntryPx, decimal.RequireFromString("415.12")).
		AddDecimal(TagMDEntrySize, decimal.NewFromInt(500)).
		Build()
	wire, err := Encode(nil, msg)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	defer got.Release()

	entries := got.Group(TagNoMDEntries)
	require.Len(t, entries, 2)

	side0, _ := entries[0].GetString(TagMDEntryType)
	assert.Equal(t, MDEntryTypeBid, side0)
	px0, err := entries[0].GetDecimal(TagMDEntryPx)
	require.NoError(t, err)
	assert.True(t, px0.Equal(decimal.RequireFromString("415.10")))

	side1, _ := entries[1].GetString(TagMDEntryType)
	assert.Equal(t, MDEntryTypeOffer, side1)
	sz1, err := entries[1].GetDecimal(TagMDEntrySize)
	require.NoError(t, err)
	assert.True(t, sz1.Equal(decimal.NewFromInt(500)))

	// Duplicate tags inside the group must not collapse: the message still
	// carries both 270 values positionally.
	var prices []string
	for _, f := range got.Fields() {
		if f.Tag == TagMDEntryPx {
			prices = append(prices, string(f.Value))
		}
	}
	assert.Equal(t, []string{"415.10", "415.12"}, prices)
}

func TestGroupSingleFieldEntries(t *testing.T) {
	msg := NewBuilder(MsgTypeMarketDataRequest).
		Add(TagBeginString, BeginStringFIX42).
		AddInt(TagNoMDEntryTypes, 3).
		Add(TagMDEntryType, MDEntryTypeBid).
		Add(TagMDEntryType, MDEntryTypeOffer).
		Add(TagMDEntryType, MDEntryTypeTrade).
		AddInt(TagNoRelatedSym, 1).
		Add(TagSymbol, "TSLA").
		Build()
	wire, err := Encode(nil, msg)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	defer got.Release()

	types := got.Group(TagNoMDEntryTypes)
	require.Len(t, types, 3)
	v, _ := types[2].GetString(TagMDEntryType)
	assert.Equal(t, MDEntryTypeTrade, v)

	syms := got.Group(TagNoRelatedSym)
	require.Len(t, syms, 1)
	sym, _ := syms[0].GetString(TagSymbol)
	assert.Equal(t, "TSLA", sym)
}

func TestCloneSurvivesBufferReuse(t *testing.T) {
	buf := raw("8=FIX.4.2|9=5|35=0|10=161|")
	msg, err := Decode(buf)
	require.NoError(t, err)
	clone := msg.Clone()
	msg.Release()

	for i := range buf {
		buf[i] = 'z'
	}
	assert.Equal(t, MsgTypeHeartbeat, clone.MsgType())
}

func BenchmarkEncodeNewOrderSingle(b *testing.B) {
	msg := NewBuilder(MsgTypeNewOrderSingle).
		Add(TagBeginString, BeginStringFIX42).
		AddUint64(TagMsgSeqNum, 917).
		Add(TagSenderCompID, "FIXCORE").
		Add(TagTargetCompID, "NYSE").
		Add(TagClOrdID, "5f2a0c66-9a7e-4d0e-9f93-1bb6d6ab0001").
		Add(TagSymbol, "AAPL").
		Add(TagSide, SideBuy).
		Add(TagOrderQty, "100").
		Add(TagOrdType, OrdTypeLimit).
		Add(TagPrice, "171.25").
		Build()
	dst := make([]byte, 0, 256)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var err error
		dst, err = Encode(dst[:0], msg)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeExecutionReport(b *testing.B) {
	msg := NewBuilder(MsgTypeExecutionReport).
		Add(TagBeginString, BeginStringFIX42).
		AddUint64(TagMsgSeqNum, 917).
		Add(TagClOrdID, "5f2a0c66-9a7e-4d0e-9f93-1bb6d6ab0001").
		Add(TagExecID, "exec-1").
		Add(TagExecType, ExecTypeFill).
		Add(TagOrdStatus, OrdStatusFilled).
		Add(TagSymbol, "AAPL").
		Add(TagLastShares, "100").
		Add(TagLastPx, "171.25").
		Add(TagCumQty, "100").
		Add(TagLeavesQty, "0").
		Build()
	wire, err := Encode(nil, msg)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m, err := Decode(wire)
		if err != nil {
			b.Fatal(err)
		}
		m.Release()
	}
}
