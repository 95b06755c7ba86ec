package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSessionTitle is used for sessions created without a title.
const DefaultSessionTitle = "New conversation"

// MaxTitleLength bounds titles derived from the first question of a session.
const MaxTitleLength = 50

// MessageType distinguishes the two halves of a turn.
type MessageType string

const (
	MessageQuestion MessageType = "question"
	MessageAnswer   MessageType = "answer"
)

// Source is a retrieval reference attached to an answer.
type Source struct {
	Document string  `json:"document"`
	Page     Page    `json:"page,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Text     string  `json:"text,omitempty"`
}

// Page is a source page reference. Backends send it either as a number or
// as a string; both decode into the same value.
type Page string

// UnmarshalJSON accepts a JSON number or string.
func (p *Page) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*p = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("decode page: %w", err)
		}
		*p = Page(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode page: %w", err)
	}
	*p = Page(n.String())
	return nil
}

// MarshalJSON writes numeric pages as numbers and everything else as strings.
func (p Page) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(p), 10, 64); err == nil {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// Message is one entry of a session's history.
type Message struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Type        MessageType `json:"message_type"`
	Content     string      `json:"content"`
	Sources     []Source    `json:"sources,omitempty"`
	Rating      int         `json:"rating,omitempty"`
	IsStreaming bool        `json:"is_streaming,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// ChatSession is a titled conversation owned by a user.
type ChatSession struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TitleFromQuestion derives a session title from its first question.
func TitleFromQuestion(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if q == "" {
		return DefaultSessionTitle
	}
	r := []rune(q)
	if len(r) <= MaxTitleLength {
		return q
	}
	return strings.TrimSpace(string(r[:MaxTitleLength])) + "..."
}

// QuestionID returns the history id of the question asked at turn ts.
func QuestionID(ts int64) string {
	return strconv.FormatInt(ts, 10) + "_q"
}

// AnswerID returns the history id of the answer to the turn at ts.
func AnswerID(ts int64) string {
	return strconv.FormatInt(ts, 10) + "_a"
}

// TurnClock hands out strictly increasing millisecond timestamps so that
// turn ids stay unique and orderable even when turns start within the same
// millisecond.
type TurnClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewTurnClock creates a clock. A nil now uses time.Now.
func NewTurnClock(now func() time.Time) *TurnClock {
	if now == nil {
		now = time.Now
	}
	return &TurnClock{now: now}
}

// Next returns the next turn timestamp in milliseconds.
func (c *TurnClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
