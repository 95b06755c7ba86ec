package devserver

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/protocol"
)

// Answer is a complete reply before it is framed for a transport.
type Answer struct {
	Text    string
	Sources []domain.Source
	Queries []string
}

// Chunks splits the answer text into word-sized pieces that concatenate
// back to the original.
func (a Answer) Chunks() []string {
	if a.Text == "" {
		return nil
	}
	return strings.SplitAfter(a.Text, " ")
}

// Responder produces the answer for a query.
type Responder interface {
	Respond(ctx context.Context, q protocol.QueryMessage) (Answer, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, q protocol.QueryMessage) (Answer, error)

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, q protocol.QueryMessage) (Answer, error) {
	return f(ctx, q)
}

// EchoResponder answers deterministically by restating the question
// against a fixed handbook source.
type EchoResponder struct{}

// Respond implements Responder.
func (EchoResponder) Respond(ctx context.Context, q protocol.QueryMessage) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return Answer{}, errors.New("query is required")
	}

	excerpt := query
	if r := []rune(excerpt); len(r) > 80 {
		excerpt = string(r[:80])
	}
	return Answer{
		Text: "You asked: " + query,
		Sources: []domain.Source{
			{Document: "handbook.pdf", Page: "1", Score: 0.92, Text: excerpt},
		},
		Queries: []string{query},
	}, nil
}
