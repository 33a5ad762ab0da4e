package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusActive    EntryStatus = "active"
	StatusCompleted EntryStatus = "completed"
	StatusExpired   EntryStatus = "expired"
)

// IsTerminal reports whether no further writes may happen to an entry in this status.
func (s EntryStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

func (s EntryStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Position is either Unresolved (the worker has not processed the admission
// yet) or Resolved(n) with n >= 1. The zero value is Unresolved.
//
// In the database an unresolved position is stored as 0; valid ranks start at 1.
type Position struct {
	n int64
}

// Unresolved returns the position of an entry the worker has not ordered yet.
func Unresolved() Position { return Position{} }

// Resolved returns the final rank n. It panics for n < 1.
func Resolved(n int64) Position {
	if n < 1 {
		panic(fmt.Sprintf("models: invalid resolved position %d", n))
	}
	return Position{n: n}
}

func (p Position) IsResolved() bool { return p.n > 0 }

// Get returns the rank and whether it is resolved.
func (p Position) Get() (int64, bool) { return p.n, p.n > 0 }

func (p Position) String() string {
	if !p.IsResolved() {
		return "unresolved"
	}
	return strconv.FormatInt(p.n, 10)
}

func (p Position) MarshalJSON() ([]byte, error) {
	if !p.IsResolved() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(p.n, 10)), nil
}

func (p *Position) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Unresolved()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n < 1 {
		*p = Unresolved()
		return nil
	}
	*p = Position{n: n}
	return nil
}

// Value implements driver.Valuer.
func (p Position) Value() (driver.Value, error) {
	return p.n, nil
}

// Scan implements sql.Scanner.
func (p *Position) Scan(src any) error {
	var n int64
	switch v := src.(type) {
	case nil:
		n = 0
	case int64:
		n = v
	case float64:
		n = int64(v)
	case []byte:
		parsed, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return fmt.Errorf("scan position: %w", err)
		}
		n = int64(parsed)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("scan position: %w", err)
		}
		n = int64(parsed)
	default:
		return fmt.Errorf("scan position: unsupported type %T", src)
	}
	if n < 1 {
		n = 0
	}
	p.n = n
	return nil
}

// QueueEntry is one (event, user) admission attempt.
type QueueEntry struct {
	ID          string      `json:"id"`
	EventID     string      `json:"eventId"`
	UserID      string      `json:"userId"`
	Token       string      `json:"token"`
	Position    Position    `json:"position"`
	Status      EntryStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	ActivatedAt *time.Time  `json:"activatedAt,omitempty"`
}

// AdmissionMessage is the payload published on an event topic.
type AdmissionMessage struct {
	UserID    string    `json:"userId"`
	EventID   string    `json:"eventId"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

var ErrInvalidMessage = errors.New("admission message: missing userId, eventId or token")

func (m AdmissionMessage) Validate() error {
	if m.UserID == "" || m.EventID == "" || m.Token == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Ahead splits the open entries ranked before a position by status.
type Ahead struct {
	Waiting int64
	Active  int64
}

func (a Ahead) Total() int64 { return a.Waiting + a.Active }

// StatusReport is what waiting clients receive from the status endpoint.
type StatusReport struct {
	Status               EntryStatus `json:"status"`
	Position             Position    `json:"position"`
	UsersAhead           int64       `json:"usersAhead"`
	EstimatedWaitSeconds int64       `json:"estimatedWaitSeconds"`
	LastUpdatedAt        time.Time   `json:"lastUpdatedAt"`
}

// Update types pushed to subscribed clients.
const (
	UpdatePositionAssigned = "position_assigned"
	UpdateActivated        = "activated"
	UpdateAdvanced         = "advanced"
)

// Update is a change notification for one entry or for a whole event line.
type Update struct {
	Type     string      `json:"type"`
	EventID  string      `json:"eventId"`
	Status   EntryStatus `json:"status,omitempty"`
	Position Position    `json:"position"`
	At       time.Time   `json:"at"`
}
