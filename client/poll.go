package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
)

// PollEngine creates polls and casts votes.
type PollEngine struct {
	c *Client
}

func NewPollEngine(c *Client) *PollEngine {
	return &PollEngine{c: c}
}

// VoteResult is the server's response to a vote: the refreshed poll message
// plus its aggregated results.
type VoteResult struct {
	Message chat.Message   `json:"message"`
	Results chat.Aggregate `json:"results"`
}

// Create posts a new poll to the room; admins only. The draft is checked
// locally first so an obviously broken poll never leaves the device.
func (p *PollEngine) Create(ctx context.Context, roomID string, draft chat.NewPoll) (chat.Message, error) {
	if err := validateDraft(&draft); err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	err := p.c.postJSON(ctx, fmt.Sprintf("/chat/rooms/%s/polls", roomID), draft, &msg)
	return msg, err
}

// Vote casts, changes or (for multiple-choice polls) retracts a vote.
func (p *PollEngine) Vote(ctx context.Context, messageID string, optionIdx int) (VoteResult, error) {
	data := struct {
		OptionIndex int `json:"option_index"`
	}{OptionIndex: optionIdx}

	var result VoteResult
	err := p.c.postJSON(ctx, "/chat/polls/"+messageID+"/vote", data, &result)
	return result, err
}

// validateDraft mirrors the server's poll validation rules.
func validateDraft(draft *chat.NewPoll) error {
	draft.Question = strings.TrimSpace(draft.Question)
	if draft.Question == "" {
		return core.NewValidationError(nil,
			core.FieldError{Field: "question", Error: "this field cannot be blank"})
	}

	opts := make([]string, 0, len(draft.Options))
	for _, opt := range draft.Options {
		if opt = strings.TrimSpace(opt); opt != "" {
			opts = append(opts, opt)
		}
	}
	draft.Options = opts
	if len(opts) < 2 || len(opts) > 10 {
		return core.NewValidationError(nil,
			core.FieldError{Field: "options", Error: "a poll needs between 2 and 10 options"})
	}
	if draft.ExpiresInHours < 0 {
		return core.NewValidationError(nil,
			core.FieldError{Field: "expires_in_hours", Error: "expiry must be in the future"})
	}
	return nil
}
