package models

import (
	"crypto/md5"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one normalized unit of ingested content.
type Message struct {
	ID              int64      `json:"id" db:"id"`
	Platform        Platform   `json:"platform" db:"platform"`
	SourceID        string     `json:"source_id" db:"source_id"`
	SourceName      string     `json:"source_name" db:"source_name"`
	Content         string     `json:"content" db:"content"`
	ContentHash     string     `json:"content_hash" db:"content_hash"`
	Timestamp       time.Time  `json:"timestamp" db:"timestamp"`
	AuthorID        string     `json:"author_id" db:"author_id"`
	AuthorName      string     `json:"author_name" db:"author_name"`
	AuthorFollowers int        `json:"author_followers" db:"author_followers"`
	Metadata        Metadata   `json:"metadata" db:"metadata"`
	CollectorID     int64      `json:"collector_id" db:"collector_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// Token is a tracked asset. (Address, Chain) is unique.
type Token struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Symbol  string `json:"symbol" db:"symbol"`
	Address string `json:"address" db:"address"`
	Chain   string `json:"chain" db:"chain"`
}

// Mention is a scored assertion that a message refers to a token.
type Mention struct {
	ID         int64      `json:"id" db:"id"`
	MessageID  int64      `json:"message_id" db:"message_id"`
	TokenID    int64      `json:"token_id" db:"token_id"`
	Confidence float64    `json:"confidence" db:"confidence"`
	IsValid    bool       `json:"is_valid" db:"is_valid"`
	IsVerified bool       `json:"is_verified" db:"is_verified"`
	VerifiedBy *int64     `json:"verified_by,omitempty" db:"verified_by"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	Notes      string     `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// MentionRecord is the outward view of a mention.
type MentionRecord struct {
	MessageID  int64   `json:"message_id"`
	TokenID    int64   `json:"token_id"`
	Confidence float64 `json:"confidence"`
	IsValid    bool    `json:"is_valid"`
	IsVerified bool    `json:"is_verified"`
}

// Record returns the outward view of m.
func (m *Mention) Record() MentionRecord {
	return MentionRecord{
		MessageID:  m.MessageID,
		TokenID:    m.TokenID,
		Confidence: m.Confidence,
		IsValid:    m.IsValid,
		IsVerified: m.IsVerified,
	}
}

// ContentHash is the dedup key of a message: hex MD5 of the text and nothing else.
func ContentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Metadata is the free-form platform bag stored as a JSON document.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	out := Metadata{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	*m = out
	return nil
}
