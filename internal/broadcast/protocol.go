package broadcast

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"CoherencePulse/internal/domain/models"
)

// Inbound frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Outbound frame types.
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeMarketEvent  = "market-event"
	TypeAlert        = "alert"
	TypeError        = "error"
	TypeShutdown     = "shutdown"
)

// Error codes carried by error frames.
const (
	CodePayloadTooLarge   = "ERR_PAYLOAD_TOO_LARGE"
	CodeMalformed         = "ERR_MALFORMED"
	CodeUnknownType       = "ERR_UNKNOWN_TYPE"
	CodeInvalidSymbols    = "ERR_INVALID_SYMBOLS"
	CodeSubscriptionLimit = "ERR_SUBSCRIPTION_LIMIT"
	CodeInternal          = "ERR_INTERNAL"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// ClientMessage is a decoded inbound frame.
type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// ServerMessage is the envelope of every outbound frame.
type ServerMessage struct {
	Type         string                 `json:"type"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Symbol       string                 `json:"symbol,omitempty"`
	Symbols      []string               `json:"symbols,omitempty"`
	Score        *models.CoherenceScore `json:"score,omitempty"`
	AlertID      string                 `json:"alertId,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Exceeded     []models.Dimension     `json:"exceeded,omitempty"`
	Code         string                 `json:"code,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
}

// DecodeClientMessage parses an inbound frame. Errors match ErrMalformedFrame or ErrUnknownType.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if len(msg.Symbols) == 0 {
			return msg, fmt.Errorf("%w: %s without symbols", ErrMalformedFrame, msg.Type)
		}
	case TypePing, TypePong:
	case "":
		return msg, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Encode marshals an outbound frame.
func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func mustEncode(msg ServerMessage) []byte {
	b, err := Encode(msg)
	if err != nil {
		// ServerMessage only holds strings, floats and times
		panic(err)
	}
	return b
}

func WelcomeFrame(connID string) []byte {
	return mustEncode(ServerMessage{Type: TypeWelcome, ConnectionID: connID})
}

func SubscribedFrame(symbols []string) []byte {
	return mustEncode(ServerMessage{Type: TypeSubscribed, Symbols: symbols})
}

func UnsubscribedFrame(symbols []string) []byte {
	return mustEncode(ServerMessage{Type: TypeUnsubscribed, Symbols: symbols})
}

func PingFrame() []byte { return mustEncode(ServerMessage{Type: TypePing}) }

func PongFrame() []byte { return mustEncode(ServerMessage{Type: TypePong}) }

func ShutdownFrame(reason string) []byte {
	return mustEncode(ServerMessage{Type: TypeShutdown, Reason: reason})
}

func ErrorFrame(code, message string, symbols []string) []byte {
	return mustEncode(ServerMessage{Type: TypeError, Code: code, Message: message, Symbols: symbols})
}

// MarketEventFrame carries a fresh score.
func MarketEventFrame(score models.CoherenceScore) ([]byte, error) {
	return Encode(ServerMessage{Type: TypeMarketEvent, Symbol: score.Symbol, Score: &score})
}

// AlertFrame carries an alert and the score that raised it.
func AlertFrame(alert models.Alert) ([]byte, error) {
	score := alert.Score
	return Encode(ServerMessage{
		Type:     TypeAlert,
		Symbol:   alert.Symbol,
		AlertID:  alert.ID,
		Severity: alert.Severity.String(),
		Exceeded: alert.Exceeded,
		Score:    &score,
	})
}

// ErrorFrameFor maps a request error onto an error frame.
func ErrorFrameFor(err error) []byte {
	var invalid *InvalidSymbolsError
	var limit *SubscriptionLimitError
	switch {
	case errors.As(err, &invalid):
		return ErrorFrame(CodeInvalidSymbols, err.Error(), invalid.Symbols)
	case errors.As(err, &limit):
		return ErrorFrame(CodeSubscriptionLimit, err.Error(), nil)
	case errors.Is(err, ErrUnknownType):
		return ErrorFrame(CodeUnknownType, err.Error(), nil)
	case errors.Is(err, ErrMalformedFrame):
		return ErrorFrame(CodeMalformed, err.Error(), nil)
	default:
		return ErrorFrame(CodeInternal, err.Error(), nil)
	}
}
