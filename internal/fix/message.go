package fix

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Field is a single tag=value pair. Value aliases the decode buffer; callers
// that retain a message past the next transport read must Clone it first.
type Field struct {
	Tag   int
	Value []byte
}

// Message is an ordered FIX message. Field order is preserved from the wire
// (or from the builder) because repeating groups are positional.
type Message struct {
	fields []Field
}

// MessagePool recycles messages on the decode hot path.
var MessagePool = sync.Pool{New: func() any { return new(Message) }}

// Reset clears the message for pool reuse without releasing capacity.
func (m *Message) Reset() {
	m.fields = m.fields[:0]
}

// Release resets the message and returns it to the pool.
func (m *Message) Release() {
	m.Reset()
	MessagePool.Put(m)
}

// Fields returns the underlying ordered fields.
func (m *Message) Fields() []Field {
	return m.fields
}

// Clone returns a deep copy whose values survive buffer reuse.
func (m *Message) Clone() *Message {
	c := &Message{fields: make([]Field, len(m.fields))}
	for i, f := range m.fields {
		v := make([]byte, len(f.Value))
		copy(v, f.Value)
		c.fields[i] = Field{Tag: f.Tag, Value: v}
	}
	return c
}

// append adds a field preserving order.
func (m *Message) append(tag int, value []byte) {
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
}

// Get returns the value for tag. When a tag occurs more than once outside a
// repeating group the last occurrence wins; group entries are reached through
// Group instead.
func (m *Message) Get(tag int) ([]byte, bool) {
	for i := len(m.fields) - 1; i >= 0; i-- {
		if m.fields[i].Tag == tag {
			return m.fields[i].Value, true
		}
	}
	return nil, false
}

// GetString returns the value for tag as a string.
func (m *Message) GetString(tag int) (string, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetInt parses the value for tag as a base-10 integer.
func (m *Message) GetInt(tag int) (int, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, fmt.Errorf("%w: tag %d absent", ErrFieldNotFound, tag)
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("%w: tag %d value %q is not an integer", ErrMalformedField, tag, v)
	}
	return n, nil
}

// GetUint64 parses the value for tag as an unsigned integer. Used for
// sequence numbers.
func (m *Message) GetUint64(tag int) (uint64, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, fmt.Errorf("%w: tag %d absent", ErrFieldNotFound, tag)
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: tag %d value %q is not an unsigned integer", ErrMalformedField, tag, v)
	}
	return n, nil
}

// GetDecimal parses the value for tag as an exact decimal.
func (m *Message) GetDecimal(tag int) (decimal.Decimal, error) {
	v, ok := m.Get(tag)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: tag %d absent", ErrFieldNotFound, tag)
	}
	d, err := decimal.NewFromString(string(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: tag %d value %q is not a decimal", ErrMalformedField, tag, v)
	}
	return d, nil
}

// GetBool interprets the FIX boolean encoding ("Y"/"N"). Absent tags are
// false.
func (m *Message) GetBool(tag int) bool {
	v, ok := m.Get(tag)
	return ok && len(v) == 1 && v[0] == 'Y'
}

// GetTime parses the value for tag as a FIX UTCTimestamp, accepting both the
// millisecond and the second-precision layouts.
func (m *Message) GetTime(tag int) (time.Time, error) {
	v, ok := m.Get(tag)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: tag %d absent", ErrFieldNotFound, tag)
	}
	t, err := time.Parse(UTCTimestampFormat, string(v))
	if err != nil {
		t, err = time.Parse("20060102-15:04:05", string(v))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: tag %d value %q is not a UTC timestamp", ErrMalformedField, tag, v)
	}
	return t, nil
}

// MsgType returns the value of tag 35, or "" when absent.
func (m *Message) MsgType() string {
	s, _ := m.GetString(TagMsgType)
	return s
}

// SeqNum returns the value of tag 34, or 0 when absent or malformed.
func (m *Message) SeqNum() uint64 {
	n, err := m.GetUint64(TagMsgSeqNum)
	if err != nil {
		return 0
	}
	return n
}

// PossDup reports whether PossDupFlag (43) is set.
func (m *Message) PossDup() bool {
	return m.GetBool(TagPossDupFlag)
}

// GroupEntry is one entry of a repeating group, in wire order.
type GroupEntry []Field

// Get returns the last value for tag within this entry.
func (e GroupEntry) Get(tag int) ([]byte, bool) {
	for i := len(e) - 1; i >= 0; i-- {
		if e[i].Tag == tag {
			return e[i].Value, true
		}
	}
	return nil, false
}

// GetString returns the value for tag within this entry as a string.
func (e GroupEntry) GetString(tag int) (string, bool) {
	v, ok := e.Get(tag)
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetDecimal parses the value for tag within this entry as a decimal.
func (e GroupEntry) GetDecimal(tag int) (decimal.Decimal, error) {
	v, ok := e.Get(tag)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: tag %d absent in group entry", ErrFieldNotFound, tag)
	}
	d, err := decimal.NewFromString(string(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: tag %d value %q is not a decimal", ErrMalformedField, tag, v)
	}
	return d, nil
}

// Group extracts the repeating group announced by countTag (for example
// NoMDEntries). The field immediately after the count is the delimiter: each
// time it reappears a new entry begins. The first entry defines the group's
// member tags; a tag outside that set ends the group, so fields following the
// group are not absorbed into its last entry. The declared count is trusted
// only as a bound; short groups return the entries actually present.
func (m *Message) Group(countTag int) []GroupEntry {
	idx := -1
	for i, f := range m.fields {
		if f.Tag == countTag {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(m.fields) {
		return nil
	}
	count, err := strconv.Atoi(string(m.fields[idx].Value))
	if err != nil || count <= 0 {
		return nil
	}

	fields := m.fields[idx+1:]
	delim := fields[0].Tag
	member := make(map[int]bool, 8)
	for i, f := range fields {
		if i > 0 && f.Tag == delim {
			break
		}
		member[f.Tag] = true
	}

	entries := make([]GroupEntry, 0, count)
	var cur GroupEntry
	for _, f := range fields {
		if f.Tag == delim {
			if cur != nil {
				entries = append(entries, cur)
				if len(entries) == count {
					return entries
				}
			}
			cur = GroupEntry{f}
			continue
		}
		if !member[f.Tag] {
			break
		}
		cur = append(cur, f)
	}
	if cur != nil && len(entries) < count {
		entries = append(entries, cur)
	}
	return entries
}

// Builder assembles outbound messages. BeginString, BodyLength, MsgSeqNum and
// CheckSum are owned by the session writer and the encoder; the builder only
// carries MsgType and body fields.
type Builder struct {
	msg Message
}

// NewBuilder starts a message of the given type.
func NewBuilder(msgType string) *Builder {
	b := &Builder{}
	b.msg.append(TagMsgType, []byte(msgType))
	return b
}

// Add appends a string field.
func (b *Builder) Add(tag int, value string) *Builder {
	b.msg.append(tag, []byte(value))
	return b
}

// AddBytes appends a raw field.
func (b *Builder) AddBytes(tag int, value []byte) *Builder {
	b.msg.append(tag, value)
	return b
}

// AddInt appends a base-10 integer field.
func (b *Builder) AddInt(tag int, value int) *Builder {
	b.msg.append(tag, strconv.AppendInt(nil, int64(value), 10))
	return b
}

// AddUint64 appends an unsigned integer field.
func (b *Builder) AddUint64(tag int, value uint64) *Builder {
	b.msg.append(tag, strconv.AppendUint(nil, value, 10))
	return b
}

// AddDecimal appends an exact decimal field.
func (b *Builder) AddDecimal(tag int, value decimal.Decimal) *Builder {
	b.msg.append(tag, []byte(value.String()))
	return b
}

// AddBool appends a FIX boolean ("Y"/"N").
func (b *Builder) AddBool(tag int, value bool) *Builder {
	if value {
		return b.Add(tag, "Y")
	}
	return b.Add(tag, "N")
}

// AddTime appends a UTCTimestamp field with millisecond precision.
func (b *Builder) AddTime(tag int, t time.Time) *Builder {
	b.msg.append(tag, t.UTC().AppendFormat(nil, UTCTimestampFormat))
	return b
}

// Build returns the assembled message. The builder must not be reused.
func (b *Builder) Build() *Message {
	return &b.msg
}
