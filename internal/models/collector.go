package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Platform identifies an external content source.
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformTelegram Platform = "telegram"
	PlatformReddit   Platform = "reddit"
	PlatformDiscord  Platform = "discord"
	PlatformWeChat   Platform = "wechat"
	PlatformQQ       Platform = "qq"
)

// RunStatus is the collector run state.
type RunStatus string

const (
	StatusIdle    RunStatus = "idle"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailure RunStatus = "failure"
)

var transitions = map[RunStatus][]RunStatus{
	StatusIdle:    {StatusRunning},
	StatusSuccess: {StatusRunning},
	StatusFailure: {StatusRunning},
	StatusRunning: {StatusSuccess, StatusFailure},
}

// CanTransition reports whether a collector may move from one status to another.
// An empty from is treated as idle.
func CanTransition(from, to RunStatus) bool {
	if from == "" {
		from = StatusIdle
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Collector is a named, typed source configuration plus its run state.
type Collector struct {
	ID             int64      `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Type           Platform   `json:"collector_type" db:"collector_type"`
	Config         string     `json:"config" db:"config"`
	Description    string     `json:"description,omitempty" db:"description"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus  RunStatus  `json:"last_run_status" db:"last_run_status"`
	LastRunMessage string     `json:"last_run_message" db:"last_run_message"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// CollectorStatus is the status surface consumed by the API layer.
type CollectorStatus struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Type           Platform   `json:"type"`
	IsActive       bool       `json:"is_active"`
	LastRunAt      *time.Time `json:"last_run_at"`
	LastRunStatus  RunStatus  `json:"last_run_status"`
	LastRunMessage string     `json:"last_run_message"`
}

// Status returns the status surface of c.
func (c *Collector) Status() CollectorStatus {
	status := c.LastRunStatus
	if status == "" {
		status = StatusIdle
	}
	return CollectorStatus{
		ID:             c.ID,
		Name:           c.Name,
		Type:           c.Type,
		IsActive:       c.IsActive,
		LastRunAt:      c.LastRunAt,
		LastRunStatus:  status,
		LastRunMessage: c.LastRunMessage,
	}
}

// TargetID is a platform id that may be written as a JSON string or number.
type TargetID string

// UnmarshalJSON accepts "42" and 42 alike.
func (t *TargetID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TargetID(s)
		return nil
	}
	if string(data) == "null" {
		*t = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("target id: %w", err)
	}
	*t = TargetID(n.String())
	return nil
}

// Int64 parses the id as a number.
func (t TargetID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(t), 10, 64)
	return n, err == nil
}

// UserTarget is a micro-blog account timeline.
type UserTarget struct {
	Username string  `json:"username"`
	Count    int     `json:"count,omitempty"`
	SinceID  *string `json:"since_id"`
}

// SearchTarget is a keyword search.
type SearchTarget struct {
	Query      string  `json:"query"`
	Count      int     `json:"count,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	ResultType string  `json:"result_type,omitempty"`
	Sort       string  `json:"sort,omitempty"`
	TimeFilter string  `json:"time_filter,omitempty"`
	Lang       *string `json:"lang,omitempty"`
}

// ChatTarget is a channel or group. Either ID or Username is set.
type ChatTarget struct {
	ID       TargetID `json:"id,omitempty"`
	Username string   `json:"username,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	OffsetID int64    `json:"offset_id"`
}

// Ref is the identifier used to address the chat, username first.
func (c ChatTarget) Ref() string {
	if c.Username != "" {
		return c.Username
	}
	return string(c.ID)
}

// GuildTarget is a guild whose text channels are all collected.
type GuildTarget struct {
	ID    TargetID `json:"id"`
	Limit int      `json:"limit,omitempty"`
}

// SubredditTarget is a forum board.
type SubredditTarget struct {
	Name       string `json:"name"`
	Limit      int    `json:"limit,omitempty"`
	TimeFilter string `json:"time_filter,omitempty"`
}

// CollectorConfig is the parsed JSON configuration of a collector. Keys the
// pipeline does not know are carried through unchanged on Encode.
type CollectorConfig struct {
	Users      []UserTarget      `json:"users,omitempty"`
	Searches   []SearchTarget    `json:"searches,omitempty"`
	Channels   []ChatTarget      `json:"channels,omitempty"`
	Groups     []ChatTarget      `json:"groups,omitempty"`
	Guilds     []GuildTarget     `json:"guilds,omitempty"`
	Subreddits []SubredditTarget `json:"subreddits,omitempty"`

	extra map[string]json.RawMessage
}

var knownConfigKeys = []string{"users", "searches", "channels", "groups", "guilds", "subreddits"}

// ParseCollectorConfig decodes a collector configuration blob.
func ParseCollectorConfig(data string) (*CollectorConfig, error) {
	var cfg CollectorConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &all); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	for _, k := range knownConfigKeys {
		delete(all, k)
	}
	cfg.extra = all
	return &cfg, nil
}

// Encode serializes the configuration, including unknown keys.
func (c *CollectorConfig) Encode() (string, error) {
	type plain CollectorConfig
	known, err := json.Marshal((*plain)(c))
	if err != nil {
		return "", err
	}
	if len(c.extra) == 0 {
		return string(known), nil
	}
	merged := make(map[string]json.RawMessage, len(c.extra)+len(knownConfigKeys))
	for k, v := range c.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return "", err
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
