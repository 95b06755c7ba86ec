// Package protocol defines the chat wire format: outbound query, rating
// and heartbeat messages, inbound stream events, and the decoder that turns
// a newline-delimited JSON byte stream into events.
package protocol

import (
	"encoding/json"

	"github.com/ashureev/streamchat/internal/domain"
)

// EventType discriminates frames on the wire.
type EventType string

const (
	EventStatus      EventType = "status"
	EventSources     EventType = "sources"
	EventStreamStart EventType = "stream_start"
	EventChunk       EventType = "chunk"
	EventStreamEnd   EventType = "stream_end"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"

	EventPing   EventType = "ping"
	EventPong   EventType = "pong"
	EventRating EventType = "rating"
)

// StreamEvent is one decoded frame of an answer stream.
type StreamEvent struct {
	Type          EventType       `json:"type"`
	Status        string          `json:"status,omitempty"`
	Message       string          `json:"message,omitempty"`
	Sources       []domain.Source `json:"sources,omitempty"`
	Queries       []string        `json:"queries,omitempty"`
	Content       string          `json:"content,omitempty"`
	TotalSources  int             `json:"total_sources,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`

	// HasSources is true when the frame carried a sources field, even an
	// empty one. A stream_end with HasSources overrides earlier sources.
	HasSources bool `json:"-"`
}

type eventAlias StreamEvent

// MarshalJSON writes sources whenever HasSources is set.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	out := struct {
		eventAlias
		Sources *[]domain.Source `json:"sources,omitempty"`
	}{eventAlias: eventAlias(e)}
	if e.HasSources || len(e.Sources) > 0 {
		s := e.Sources
		if s == nil {
			s = []domain.Source{}
		}
		out.Sources = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON records whether the frame carried a sources field.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	in := struct {
		*eventAlias
		Sources *[]domain.Source `json:"sources"`
	}{eventAlias: (*eventAlias)(e)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Sources != nil {
		e.Sources = *in.Sources
		e.HasSources = true
	}
	return nil
}

// ErrorText returns the user-facing failure carried by an error frame.
func (e StreamEvent) ErrorText() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	default:
		return "unknown stream error"
	}
}

// QueryMessage is the outbound question for one turn.
type QueryMessage struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

// RatingMessage reports the user's rating of an answer.
type RatingMessage struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Author    string    `json:"author"`
	Timestamp int64     `json:"timestamp"`
	Rating    int       `json:"rating"`
}

// NewRating builds a rating message.
func NewRating(sessionID, question, answer, author string, timestamp int64, rating int) RatingMessage {
	return RatingMessage{
		Type:      EventRating,
		SessionID: sessionID,
		Question:  question,
		Answer:    answer,
		Author:    author,
		Timestamp: timestamp,
		Rating:    rating,
	}
}

// Heartbeat is a ping or pong frame. Pongs echo the ping's timestamp.
type Heartbeat struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// BufferedResponse is the single JSON payload of the buffered endpoint.
type BufferedResponse struct {
	Answer        string          `json:"answer"`
	Sources       []domain.Source `json:"sources,omitempty"`
	Queries       []string        `json:"queries,omitempty"`
	TotalSources  int             `json:"total_sources,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
}

// ErrorBody is the JSON error body returned with non-2xx statuses.
type ErrorBody struct {
	Error string `json:"error"`
}

// Expand adapts a buffered payload into the same event sequence a
// streamed answer produces: sources (when present), stream_start, one
// chunk with the whole answer (when non-empty), stream_end.
func Expand(resp BufferedResponse) []StreamEvent {
	events := make([]StreamEvent, 0, 4)
	if len(resp.Sources) > 0 {
		queries := resp.Queries
		if queries == nil {
			queries = []string{}
		}
		events = append(events, StreamEvent{
			Type:       EventSources,
			Sources:    resp.Sources,
			Queries:    queries,
			HasSources: true,
		})
	}
	events = append(events, StreamEvent{Type: EventStreamStart})
	if resp.Answer != "" {
		events = append(events, StreamEvent{Type: EventChunk, Content: resp.Answer})
	}
	events = append(events, StreamEvent{
		Type:          EventStreamEnd,
		TotalSources:  resp.TotalSources,
		ExecutionTime: resp.ExecutionTime,
		SessionID:     resp.SessionID,
	})
	return events
}

// EncodeFrame renders v as one NDJSON line.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
