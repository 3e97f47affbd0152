package fix

// SOH is the FIX field delimiter.
const SOH byte = 0x01

// BeginStringFIX42 is the protocol identity this engine speaks by default.
// Venues running 4.4 dialects reuse the same tag set below.
const BeginStringFIX42 = "FIX.4.2"

// Standard header and trailer tags.
const (
	TagBeginString     = 8
	TagBodyLength      = 9
	TagCheckSum        = 10
	TagMsgSeqNum       = 34
	TagMsgType         = 35
	TagPossDupFlag     = 43
	TagSenderCompID    = 49
	TagSendingTime     = 52
	TagTargetCompID    = 56
	TagOrigSendingTime = 122
)

// Session-level tags.
const (
	TagBeginSeqNo          = 7
	TagEndSeqNo            = 16
	TagNewSeqNo            = 36
	TagRefSeqNum           = 45
	TagText                = 58
	TagEncryptMethod       = 98
	TagHeartBtInt          = 108
	TagTestReqID           = 112
	TagGapFillFlag         = 123
	TagResetSeqNumFlag     = 141
	TagRefTagID            = 371
	TagRefMsgType          = 372
	TagSessionRejectReason = 373
)

// Order and execution tags.
const (
	TagAvgPx            = 6
	TagClOrdID          = 11
	TagCumQty           = 14
	TagExecID           = 17
	TagHandlInst        = 21
	TagLastPx           = 31
	TagLastShares       = 32
	TagOrderID          = 37
	TagOrderQty         = 38
	TagOrdStatus        = 39
	TagOrdType          = 40
	TagOrigClOrdID      = 41
	TagPrice            = 44
	TagSide             = 54
	TagSymbol           = 55
	TagTimeInForce      = 59
	TagTransactTime     = 60
	TagCxlRejReason     = 102
	TagOrdRejReason     = 103
	TagExecType         = 150
	TagLeavesQty        = 151
	TagCxlRejResponseTo = 434
)

// Market data tags.
const (
	TagRptSeq                  = 83
	TagNoRelatedSym            = 146
	TagMDReqID                 = 262
	TagSubscriptionRequestType = 263
	TagMarketDepth             = 264
	TagMDUpdateType            = 265
	TagNoMDEntryTypes          = 267
	TagNoMDEntries             = 268
	TagMDEntryType             = 269
	TagMDEntryPx               = 270
	TagMDEntrySize             = 271
	TagMDUpdateAction          = 279
)

// Message types.
const (
	MsgTypeHeartbeat             = "0"
	MsgTypeTestRequest           = "1"
	MsgTypeResendRequest         = "2"
	MsgTypeReject                = "3"
	MsgTypeSequenceReset         = "4"
	MsgTypeLogout                = "5"
	MsgTypeExecutionReport       = "8"
	MsgTypeOrderCancelReject     = "9"
	MsgTypeLogon                 = "A"
	MsgTypeNewOrderSingle        = "D"
	MsgTypeOrderCancelRequest    = "F"
	MsgTypeOrderCancelReplace    = "G"
	MsgTypeMarketDataRequest     = "V"
	MsgTypeMarketDataSnapshot    = "W"
	MsgTypeMarketDataIncremental = "X"
)

// Enumerated field values. FIX encodes enums as single characters on the wire.
const (
	SideBuy  = "1"
	SideSell = "2"

	OrdTypeMarket = "1"
	OrdTypeLimit  = "2"

	TIFDay = "0"
	TIFGTC = "1"
	TIFIOC = "3"
	TIFFOK = "4"

	OrdStatusNew             = "0"
	OrdStatusPartiallyFilled = "1"
	OrdStatusFilled          = "2"
	OrdStatusCanceled        = "4"
	OrdStatusReplaced        = "5"
	OrdStatusPendingCancel   = "6"
	OrdStatusRejected        = "8"
	OrdStatusPendingNew      = "A"
	OrdStatusPendingReplace  = "E"

	ExecTypeNew            = "0"
	ExecTypePartialFill    = "1"
	ExecTypeFill           = "2"
	ExecTypeCanceled       = "4"
	ExecTypeReplaced       = "5"
	ExecTypePendingCancel  = "6"
	ExecTypeRejected       = "8"
	ExecTypePendingNew     = "A"
	ExecTypePendingReplace = "E"

	CxlRejResponseToCancel  = "1"
	CxlRejResponseToReplace = "2"

	MDEntryTypeBid   = "0"
	MDEntryTypeOffer = "1"
	MDEntryTypeTrade = "2"

	MDUpdateActionNew    = "0"
	MDUpdateActionChange = "1"
	MDUpdateActionDelete = "2"

	SubscriptionSnapshot        = "0"
	SubscriptionSnapshotUpdates = "1"
	SubscriptionUnsubscribe     = "2"

	MDUpdateTypeFullRefresh = "0"
	MDUpdateTypeIncremental = "1"

	HandlInstAutomated = "1"

	EncryptMethodNone = "0"
)

// UTCTimestampFormat is the FIX UTCTimestamp layout with milliseconds.
const UTCTimestampFormat = "20060102-15:04:05.000"
