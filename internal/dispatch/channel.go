package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
	"github.com/unclebandit/outreach-orchestrator/internal/model"
	"github.com/unclebandit/outreach-orchestrator/internal/queue"
)

// SendRequest is what a channel delivers. TrackingToken must round-trip
// through the external collaborator.
type SendRequest struct {
	Channel       string            `json:"channel"`
	To            string            `json:"to"`
	Subject       string            `json:"subject,omitempty"`
	Body          string            `json:"body"`
	Fields        map[string]string `json:"fields,omitempty"`
	TrackingToken string            `json:"tracking_token"`
}

type Receipt struct {
	MessageID string
	Status    string
}

// Channel sends one message. Errors of kind PermanentSendFailure are not
// retried; anything else is treated as transient.
type Channel interface {
	Send(ctx context.Context, req SendRequest) (Receipt, error)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, req SendRequest) (Receipt, error)

func (f ChannelFunc) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	return f(ctx, req)
}

// QueueChannel hands sends to the channel workers over the queue, on topic
// outreach.<channel>.
type QueueChannel struct {
	Queue queue.Queue
}

func (c *QueueChannel) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	if req.To == "" {
		return Receipt{}, appErrors.Errorf(appErrors.KindPermanentSendFailure, "dispatch.queue_send", "no %s address", req.Channel)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, appErrors.E(appErrors.KindPermanentSendFailure, "dispatch.queue_send", err)
	}
	msg := queue.Message{
		Headers: map[string]string{queue.HeaderTrackingToken: req.TrackingToken},
		Body:    body,
	}
	if err := c.Queue.Publish(ctx, queue.OutreachTopic(req.Channel), msg); err != nil {
		return Receipt{}, appErrors.E(appErrors.KindTransientIO, "dispatch.queue_send", err)
	}
	return Receipt{MessageID: uuid.NewString(), Status: model.AttemptStatusSent}, nil
}

// PrimaryChannel picks email, then the web form, then sms.
func PrimaryChannel(c model.Contractor) string {
	switch {
	case c.Email != "":
		return model.ChannelEmail
	case c.Website != "":
		return model.ChannelForm
	case c.Phone != "":
		return model.ChannelSMS
	}
	return ""
}

func address(c model.Contractor, channel string) string {
	switch channel {
	case model.ChannelEmail:
		return c.Email
	case model.ChannelSMS:
		return c.Phone
	case model.ChannelForm:
		return c.Website
	}
	return ""
}
