package apperr

// Code is a stable, machine-readable error identifier sent to clients.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Warnings
	CodeInvalidChoice         Code = "INVALID_CHOICE"
	CodeTooEarlyToChoose      Code = "TOO_EARLY_TO_CHOOSE"
	CodeTooLateToChangeChoice Code = "TOO_LATE_TO_CHANGE_CHOICE"
	CodeTooFewUniqueAddresses Code = "TOO_FEW_UNIQUE_ADDRESSES"
	CodeInvalidEmail          Code = "INVALID_EMAIL"
	CodeTooManyRequests       Code = "TOO_MANY_REQUESTS"

	// Errors
	CodeCouldNotAddPlayer Code = "COULD_NOT_ADD_PLAYER"
	CodeFailedCaptcha     Code = "FAILED_CAPTCHA"
	CodeNotAWinner        Code = "NOT_A_WINNER"
	CodeUnknownEvent      Code = "UNKNOWN_EVENT"

	// Fatal
	CodeInvalidPlayerID    Code = "INVALID_PLAYER_ID"
	CodeDilemmaNotFound    Code = "DILEMMA_NOT_FOUND"
	CodeTooManyConnections Code = "TOO_MANY_CONNECTIONS"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
)

// Metadata keys.
const (
	MetaReason  = "reason"
	MetaMinimum = "minimum"
)

var (
	ErrInvalidChoice         = New(KindWarning, CodeInvalidChoice, "Invalid choice")
	ErrTooEarlyToChoose      = New(KindWarning, CodeTooEarlyToChoose, "Too early to choose")
	ErrTooLateToChangeChoice = New(KindWarning, CodeTooLateToChangeChoice, "Too late to change choice")
	ErrTooFewUniqueAddresses = New(KindWarning, CodeTooFewUniqueAddresses, "Waiting for more players with unique IPs...")
	ErrInvalidEmail          = New(KindWarning, CodeInvalidEmail, "Invalid email address")
	ErrTooManyRequests       = New(KindWarning, CodeTooManyRequests, "Too many requests")

	ErrCouldNotAddPlayer = New(KindError, CodeCouldNotAddPlayer, "Could not add player")
	ErrFailedCaptcha     = New(KindError, CodeFailedCaptcha, "Failed captcha")
	ErrNotAWinner        = New(KindError, CodeNotAWinner, "Only winners can claim a reward")
	ErrUnknownEvent      = New(KindError, CodeUnknownEvent, "Unknown event")

	ErrInvalidPlayerID    = New(KindFatal, CodeInvalidPlayerID, "Invalid player id")
	ErrDilemmaNotFound    = New(KindFatal, CodeDilemmaNotFound, "Dilemma not found")
	ErrTooManyConnections = New(KindFatal, CodeTooManyConnections, "Too many connections from your IP")
	ErrInsufficientFunds  = New(KindFatal, CodeInsufficientFunds, "Insufficient funds")
)
