package conversation

import (
	"context"
	"encoding/json"
	"fmt"
)

// queueClient moves conversation jobs between the ingress and worker
// halves of the pipeline. Send takes the typed payload so each backend
// decides its own wire framing.
type queueClient interface {
	Send(ctx context.Context, payload queuePayload) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const (
	jobTypeInbound jobType = "inbound"
	jobTypeCommand jobType = "command"
)

// CommandRequest is an operator sigil command parsed at ingress,
// targeting a prospect conversation.
type CommandRequest struct {
	Name     string `json:"name"`
	DeviceID string `json:"device_id"`
	Phone    string `json:"phone"`
}

type queuePayload struct {
	ID      string          `json:"id"`
	Kind    jobType         `json:"kind"`
	Inbound *InboundMessage `json:"inbound,omitempty"`
	Command *CommandRequest `json:"command,omitempty"`
}

func (p queuePayload) encode() (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}
	return string(body), nil
}
