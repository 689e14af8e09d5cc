package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDeliveryFailure is the root of every outbound channel error.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrInvalidRecipient is returned when a phone number cannot be parsed.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrEmptyBody is returned when enqueueing a message without text.
	ErrEmptyBody = errors.New("message body is empty")
)

// DeliveryError is recorded on the queue item and never escapes a flush.
type DeliveryError struct {
	Recipient  string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: gateway status %d: %v", e.Recipient, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailure, e.Err}
}

// Sender is the outbound delivery channel.
// Send returns the provider's message id on success.
type Sender interface {
	Send(ctx context.Context, recipient, body string) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipient, body string) (string, error)

func (f SenderFunc) Send(ctx context.Context, recipient, body string) (string, error) {
	return f(ctx, recipient, body)
}

// =============================================================================
// HTTP GATEWAY SENDER
// =============================================================================

// HTTPSender posts messages to a JSON SMS gateway.
type HTTPSender struct {
	URL      string
	APIKey   string
	SenderID string
	Client   *http.Client
}

func NewHTTPSender(url, apiKey, senderID string) *HTTPSender {
	return &HTTPSender{
		URL:      url,
		APIKey:   apiKey,
		SenderID: senderID,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type gatewayRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func (s *HTTPSender) Send(ctx context.Context, recipient, body string) (string, error) {
	payload, err := json.Marshal(gatewayRequest{To: recipient, Message: body, From: s.SenderID})
	if err != nil {
		return "", &DeliveryError{Recipient: recipient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return "", &DeliveryError{Recipient: recipient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", &DeliveryError{Recipient: recipient, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out gatewayResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", &DeliveryError{Recipient: recipient, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if out.Error != "" {
		return "", &DeliveryError{Recipient: recipient, StatusCode: resp.StatusCode, Err: errors.New(out.Error)}
	}
	return out.MessageID, nil
}

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender writes messages to the log instead of a gateway. Used when no
// SMS_PROVIDER_URL is configured.
type LogSender struct {
	Logger *logrus.Logger
}

func (s *LogSender) Send(_ context.Context, recipient, body string) (string, error) {
	id := "log-" + uuid.NewString()
	s.Logger.WithFields(logrus.Fields{
		"module":     "notify",
		"recipient":  recipient,
		"message_id": id,
	}).Info(body)
	return id, nil
}
