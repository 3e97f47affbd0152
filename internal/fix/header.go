package fix

import (
	"strconv"
	"time"
)

// StampHeader rewrites m so the standard header leads the message:
// BeginString(8), MsgType(35), MsgSeqNum(34), SenderCompID(49),
// TargetCompID(56), SendingTime(52), followed by the body fields in their
// original order. Existing occurrences of the stamped tags are replaced.
// The session writer calls this once per outbound message, immediately
// before Encode.
func StampHeader(m *Message, beginString string, seq uint64, sender, target string, sendingTime time.Time) {
	msgType, _ := m.Get(TagMsgType)
	header := [...]Field{
		{Tag: TagBeginString, Value: []byte(beginString)},
		{Tag: TagMsgType, Value: msgType},
		{Tag: TagMsgSeqNum, Value: strconv.AppendUint(nil, seq, 10)},
		{Tag: TagSenderCompID, Value: []byte(sender)},
		{Tag: TagTargetCompID, Value: []byte(target)},
		{Tag: TagSendingTime, Value: sendingTime.UTC().AppendFormat(nil, UTCTimestampFormat)},
	}

	body := make([]Field, 0, len(m.fields)+len(header))
	body = append(body, header[:]...)
	for _, f := range m.fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum, TagMsgType,
			TagMsgSeqNum, TagSenderCompID, TagTargetCompID, TagSendingTime:
			continue
		}
		body = append(body, f)
	}
	m.fields = body
}
