package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectDepositDispatched = "bridge.deposit.dispatched"
	SubjectDepositCredited   = "bridge.deposit.credited"
	SubjectDepositUnmapped   = "bridge.deposit.unmapped"
	SubjectWithdrawRequested = "bridge.withdraw.requested"
	SubjectReleaseApplied    = "bridge.release.applied"

	// SubjectBridgeAll matches every bridge event.
	SubjectBridgeAll = "bridge.>"
)

// Event is the envelope all bridge events share.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps payload data into an Event.
func NewEvent(subject string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// DepositDispatched is emitted by a source gateway when collateral
// has been locked and the deposit message handed to the transport.
type DepositDispatched struct {
	MessageID    string `json:"message_id"`
	OriginDomain uint32 `json:"origin_domain"`
	Token        string `json:"token"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	Sequence     uint64 `json:"sequence"`
}

// DepositCredited is emitted by the hub on first application of a
// deposit message.
type DepositCredited struct {
	MessageID    string `json:"message_id"`
	OriginDomain uint32 `json:"origin_domain"`
	Synthetic    string `json:"synthetic"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
}

// DepositUnmapped is emitted when a deposit resolves to no token
// mapping. The message stays unprocessed so the transport can retry
// once the registry is corrected.
type DepositUnmapped struct {
	MessageID    string `json:"message_id"`
	OriginDomain uint32 `json:"origin_domain"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
}

// WithdrawRequested is emitted by the hub after debit+burn, when the
// release message has been dispatched.
type WithdrawRequested struct {
	MessageID  string `json:"message_id"`
	User       string `json:"user"`
	Synthetic  string `json:"synthetic"`
	Amount     string `json:"amount"`
	DestDomain uint32 `json:"dest_domain"`
}

// ReleaseApplied is emitted by a source gateway on first application
// of a release message.
type ReleaseApplied struct {
	MessageID string `json:"message_id"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}
