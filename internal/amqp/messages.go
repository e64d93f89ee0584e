package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// KindCommit marks a message announcing an applied ledger commit.
const KindCommit = "commit"

// LedgerChangedMessage tells other processes that a user's ledger moved.
// It carries no amounts; receivers reload the full snapshot from the store.
type LedgerChangedMessage struct {
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Version   int64     `json:"version"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

func NewLedgerChangedMessage(userID string, version int64, origin string) *LedgerChangedMessage {
	return &LedgerChangedMessage{
		UserID:    userID,
		Kind:      KindCommit,
		Version:   version,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
	}
}

func (m *LedgerChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerChangedMessageFromJSON decodes and sanity-checks a message body.
func LedgerChangedMessageFromJSON(data []byte) (*LedgerChangedMessage, error) {
	var msg LedgerChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.UserID == "" {
		return nil, errors.New("ledger change without user_id")
	}
	return &msg, nil
}
