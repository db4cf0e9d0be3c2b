package transport

import (
	"encoding/json"
	"time"

	"golang.org/x/time/rate"
)

// Client events.
const (
	EventReset   = "reset"
	EventChoice  = "choice"
	EventEmail   = "email"
	EventMessage = "message"
)

// Server events.
const (
	EventDilemma       = "dilemma"
	EventStats         = "stats"
	EventFunds         = "funds"
	EventPlayerCount   = "playerCount"
	EventPayment       = "payment"
	EventAPIWarning    = "api_warning"
	EventAPIError      = "api_error"
	EventFatalAPIError = "fatal_api_error"
)

const DefaultWriteTimeout = 10 * time.Second

type Config struct {
	// MaxConnectionsPerAddress of zero disables the cap.
	MaxConnectionsPerAddress int
	// AnonymizeAddresses replaces remote addresses with a hash before they
	// reach the matchmaker.
	AnonymizeAddresses bool
	EventRate          rate.Limit
	EventBurst         int
	WriteTimeout       time.Duration
}

type Request struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Response struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ResetData struct {
	Token string `json:"token"`
}

type ChoiceData struct {
	Choice string `json:"choice"`
}

type EmailData struct {
	Email string `json:"email"`
}

type MessageData struct {
	Message string `json:"message"`
}

type PaymentData struct {
	Paid bool `json:"paid"`
}

type FundsData struct {
	Available bool `json:"available"`
}

type APIError struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
