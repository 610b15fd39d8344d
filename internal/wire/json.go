package wire

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"chartfeed/internal/model"
)

// MessageType discriminates JSON transport messages. SUBSCRIBE and
// UNSUBSCRIBE flow client to server; SNAPSHOT and UPDATE carry tick
// data server to client; INFO and ERROR are informational.
type MessageType string

// Known message types.
const (
	MessageSubscribe   MessageType = "SUBSCRIBE"
	MessageUnsubscribe MessageType = "UNSUBSCRIBE"
	MessageSnapshot    MessageType = "SNAPSHOT"
	MessageUpdate      MessageType = "UPDATE"
	MessageInfo        MessageType = "INFO"
	MessageError       MessageType = "ERROR"
)

// Number is a float64 that tolerates the backend's loose JSON number
// encoding: plain numbers, string-wrapped numbers ("50123.5") and null
// all decode; string values go through decimal to preserve precision
// during parsing. A missing or null field is simply zero — tick
// messages never fail on absent numeric fields.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*n = Number(d.InexactFloat64())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Message is the wire shape of every JSON transport message. Which
// fields are populated depends on Type; numeric fields default to zero
// when absent.
type Message struct {
	Type      MessageType `json:"message_type" validate:"required"`
	Channel   string      `json:"channel,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	SubType   string      `json:"type,omitempty"` // "ltp" on subscribe commands
	Timestamp int64       `json:"timestamp,omitempty"`
	Open      Number      `json:"open,omitempty"`
	High      Number      `json:"high,omitempty"`
	Low       Number      `json:"low,omitempty"`
	Close     Number      `json:"close,omitempty"`
	PrevClose Number      `json:"previous_close,omitempty"`
	Price     Number      `json:"price,omitempty"`
	Volume    Number      `json:"volume,omitempty"`
	Text      string      `json:"message,omitempty"` // INFO / ERROR detail
}

// TickSymbol returns the symbol a data message refers to; data messages
// may carry it in either the symbol or the channel field.
func (m Message) TickSymbol() string {
	if m.Symbol != "" {
		return m.Symbol
	}
	return m.Channel
}

// Codec decodes inbound JSON messages and encodes outbound commands.
type Codec struct {
	validate *validator.Validate
}

// NewCodec returns a ready-to-use JSON message codec.
func NewCodec() *Codec {
	return &Codec{validate: validator.New()}
}

// DecodeMessage parses and validates one JSON text message.
func (c *Codec) DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid message JSON: %w", err)
	}
	if err := c.validate.Struct(&msg); err != nil {
		return Message{}, fmt.Errorf("message validation failed: %w", err)
	}
	return msg, nil
}

// Tick converts a SNAPSHOT or UPDATE message into a tick. The second
// return value is false for non-data message types (INFO, ERROR and
// echoes of the command types), which carry no tick.
func (c *Codec) Tick(msg Message) (model.Tick, bool) {
	switch msg.Type {
	case MessageSnapshot:
		return model.Tick{
			Kind:      model.TickSnapshot,
			Symbol:    msg.TickSymbol(),
			Timestamp: NormalizeTimestamp(msg.Timestamp),
			Open:      float64(msg.Open),
			High:      float64(msg.High),
			Low:       float64(msg.Low),
			Close:     float64(msg.Close),
			PrevClose: float64(msg.PrevClose),
			Volume:    float64(msg.Volume),
		}, true
	case MessageUpdate:
		return model.Tick{
			Kind:      model.TickUpdate,
			Symbol:    msg.TickSymbol(),
			Timestamp: NormalizeTimestamp(msg.Timestamp),
			Price:     float64(msg.Price),
			Volume:    float64(msg.Volume),
		}, true
	default:
		return model.Tick{}, false
	}
}

// SubscribeCommand encodes the outbound subscribe message for a symbol.
func (c *Codec) SubscribeCommand(symbol string) ([]byte, error) {
	return json.Marshal(Message{Type: MessageSubscribe, Channel: symbol, SubType: "ltp"})
}

// UnsubscribeCommand encodes the outbound unsubscribe message for a symbol.
func (c *Codec) UnsubscribeCommand(symbol string) ([]byte, error) {
	return json.Marshal(Message{Type: MessageUnsubscribe, Channel: symbol, SubType: "ltp"})
}
