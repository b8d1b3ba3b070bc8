package notification

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/Aidin1998/fincore/pkg/errors"
)

// maxMulticastTokens is the FCM per-request token limit.
const maxMulticastTokens = 500

// PushMessage is the payload sent to devices.
type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// PushResult reports the outcome of one multicast. InvalidTokens lists
// tokens FCM reported as permanently unusable.
type PushResult struct {
	Delivered     []string
	InvalidTokens []string
	Failures      int
}

// Pusher sends mobile push notifications.
type Pusher interface {
	// SendMulticast sends msg to at most maxMulticastTokens tokens.
	SendMulticast(ctx context.Context, tokens []string, msg PushMessage) (PushResult, error)
	SendTopic(ctx context.Context, topic string, msg PushMessage) error
}

// FCMPusher delivers through Firebase Cloud Messaging.
type FCMPusher struct {
	client *messaging.Client
	logger *zap.Logger
}

// NewFCMPusher authenticates with a service-account credentials file.
func NewFCMPusher(ctx context.Context, credentialsFile string, logger *zap.Logger) (*FCMPusher, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, errors.ConfigError.Explain("firebase app: %v", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errors.ConfigError.Explain("firebase messaging: %v", err)
	}
	return &FCMPusher{client: client, logger: logger.Named("fcm")}, nil
}

func (p *FCMPusher) SendMulticast(ctx context.Context, tokens []string, msg PushMessage) (PushResult, error) {
	if len(tokens) > maxMulticastTokens {
		return PushResult{}, fmt.Errorf("multicast of %d tokens exceeds %d", len(tokens), maxMulticastTokens)
	}
	resp, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return PushResult{}, errors.ProviderUnavailable.Explain("fcm multicast: %v", err)
	}
	var out PushResult
	for i, r := range resp.Responses {
		switch {
		case r.Success:
			out.Delivered = append(out.Delivered, tokens[i])
		case invalidToken(r.Error):
			out.InvalidTokens = append(out.InvalidTokens, tokens[i])
			out.Failures++
		default:
			out.Failures++
			p.logger.Debug("push delivery failed", zap.Error(r.Error))
		}
	}
	return out, nil
}

func (p *FCMPusher) SendTopic(ctx context.Context, topic string, msg PushMessage) error {
	_, err := p.client.Send(ctx, &messaging.Message{
		Topic:        topic,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return errors.ProviderUnavailable.Explain("fcm topic %s: %v", topic, err)
	}
	return nil
}

// invalidToken reports errors after which a token will never work again.
func invalidToken(err error) bool {
	return err != nil && (messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err))
}

// multicast splits tokens into FCM-sized batches and merges the results.
func multicast(ctx context.Context, p Pusher, tokens []string, msg PushMessage) (PushResult, error) {
	var out PushResult
	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := min(start+maxMulticastTokens, len(tokens))
		r, err := p.SendMulticast(ctx, tokens[start:end], msg)
		if err != nil {
			return out, err
		}
		out.Delivered = append(out.Delivered, r.Delivered...)
		out.InvalidTokens = append(out.InvalidTokens, r.InvalidTokens...)
		out.Failures += r.Failures
	}
	return out, nil
}
