package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// Notifier delivers Notify-step messages and approval requests to an
// out-of-core channel.
type Notifier interface {
	Send(ctx context.Context, channel, target, message string) error
}

// LogNotifier writes notifications to the host log. It backs the "log"
// channel and is the fallback for channels with no configured sender.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, channel, target, message string) error {
	n.log.Info("notification", "channel", channel, "target", target, "message", message)
	return nil
}

// WebhookNotifier posts notifications as JSON to the target URL.
type WebhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Send(ctx context.Context, channel, target, message string) error {
	body, err := json.Marshal(map[string]string{
		"channel": channel,
		"message": message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return oerr.Wrap(oerr.Validation, err, "invalid webhook target")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return oerr.Wrap(oerr.Transient, err, "webhook delivery failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return oerr.Newf(oerr.Transient, "webhook target returned %d", resp.StatusCode)
	}
	return nil
}

// ChannelNotifier routes each channel name to its sender, falling back
// to the default for unknown channels.
type ChannelNotifier struct {
	senders  map[string]Notifier
	fallback Notifier
}

func NewChannelNotifier(fallback Notifier) *ChannelNotifier {
	return &ChannelNotifier{
		senders:  make(map[string]Notifier),
		fallback: fallback,
	}
}

func (n *ChannelNotifier) Register(channel string, sender Notifier) {
	n.senders[channel] = sender
}

func (n *ChannelNotifier) Send(ctx context.Context, channel, target, message string) error {
	if sender, ok := n.senders[channel]; ok {
		return sender.Send(ctx, channel, target, message)
	}
	if n.fallback != nil {
		return n.fallback.Send(ctx, channel, target, message)
	}
	return fmt.Errorf("no sender for channel %q", channel)
}
