package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	SpaceID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Space is the unit of replication: one journal per user. Version is the
// monotonic sync version; rows purged by cleanup are guaranteed to have
// version <= PurgedVersion, so pulls with an older cookie must resync fully.
type Space struct {
	ID            string
	UserID        string
	Version       int64
	PurgedVersion int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReplicacheClient tracks per-client mutation progress. Version is the space
// version at which LastMutationID last changed, so pulls can report
// lastMutationIDChanges incrementally.
type ReplicacheClient struct {
	ID             string
	ClientGroupID  string
	SpaceID        string
	LastMutationID int64
	Version        int64
	UpdatedAt      time.Time
}

// SyncEntry is one KV pair in the replicated keyspace, as emitted in pull
// patches. Key is "<kind>/<id>", Value the row's wire JSON.
type SyncEntry struct {
	Key     string
	Value   json.RawMessage
	Deleted bool
}

// StockTrade is a replicated entity. JSON tags define the wire shape stored
// in the client's local KV under key "stock/<id>".
type StockTrade struct {
	ID             string     `json:"id"`
	SpaceID        string     `json:"-"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Quantity       float64    `json:"quantity"`
	EntryPrice     float64    `json:"entryPrice"`
	ExitPrice      *float64   `json:"exitPrice,omitempty"`
	EntryAt        time.Time  `json:"entryAt"`
	ExitAt         *time.Time `json:"exitAt,omitempty"`
	Fees           float64    `json:"fees"`
	Setup          string     `json:"setup,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	AttachmentKeys []string   `json:"attachmentKeys,omitempty"`
	Version        int64      `json:"version"`
	Deleted        bool       `json:"-"`
}

// OptionTrade is a replicated entity stored under key "option/<id>".
type OptionTrade struct {
	ID           string     `json:"id"`
	SpaceID      string     `json:"-"`
	Symbol       string     `json:"symbol"`
	ContractType string     `json:"contractType"`
	Strike       float64    `json:"strike"`
	Expiration   string     `json:"expiration"`
	Side         string     `json:"side"`
	Contracts    float64    `json:"contracts"`
	EntryPremium float64    `json:"entryPremium"`
	ExitPremium  *float64   `json:"exitPremium,omitempty"`
	EntryAt      time.Time  `json:"entryAt"`
	ExitAt       *time.Time `json:"exitAt,omitempty"`
	Fees         float64    `json:"fees"`
	Setup        string     `json:"setup,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Version      int64      `json:"version"`
	Deleted      bool       `json:"-"`
}

// Note is a daily notebook entry stored under key "note/<id>". Body is the
// rich-text document kept opaque; the server never interprets it.
type Note struct {
	ID      string          `json:"id"`
	SpaceID string          `json:"-"`
	DateKey string          `json:"dateKey"`
	Title   string          `json:"title"`
	Body    json.RawMessage `json:"body,omitempty"`
	Version int64           `json:"version"`
	Deleted bool            `json:"-"`
}

// Playbook is a trading playbook stored under key "playbook/<id>".
type Playbook struct {
	ID          string          `json:"id"`
	SpaceID     string          `json:"-"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
	Version     int64           `json:"version"`
	Deleted     bool            `json:"-"`
}

// DailyStat is one row of the daily P&L aggregate.
type DailyStat struct {
	Day      string  `json:"day"`
	Trades   int     `json:"trades"`
	GrossPnL float64 `json:"grossPnl"`
	Fees     float64 `json:"fees"`
	NetPnL   float64 `json:"netPnl"`
}

// SummaryStats aggregates closed trades for the analytics dashboard.
type SummaryStats struct {
	TotalTrades int     `json:"totalTrades"`
	OpenTrades  int     `json:"openTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`
	GrossPnL    float64 `json:"grossPnl"`
	TotalFees   float64 `json:"totalFees"`
	NetPnL      float64 `json:"netPnl"`
}
