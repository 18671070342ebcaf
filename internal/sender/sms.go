package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/austindbirch/courier/internal/delivery"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// SMSMessage is the payload format expected for sms records.
type SMSMessage struct {
	Body string `json:"body"`
}

// SMS posts messages to an HTTP SMS gateway.
type SMS struct {
	client   *http.Client
	endpoint string
	apiKey   string
	source   string
}

func NewSMS(timeout time.Duration, endpoint, apiKey, source string) *SMS {
	return &SMS{
		client:   newHTTPClient(timeout),
		endpoint: endpoint,
		apiKey:   apiKey,
		source:   source,
	}
}

type smsRequest struct {
	SrcNum    string `json:"srcNum,omitempty"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
	Type      int    `json:"type"`
}

func (s *SMS) Attempt(ctx context.Context, r *delivery.Record) Outcome {
	recipient := strings.TrimSpace(r.Target)
	if !e164.MatchString(recipient) {
		return Permanent("invalid_target", "recipient must be an E.164 number")
	}

	var msg SMSMessage
	if err := json.Unmarshal(r.Payload, &msg); err != nil {
		return Permanent("invalid_payload", err.Error())
	}
	if strings.TrimSpace(msg.Body) == "" {
		return Permanent("invalid_payload", "body is required")
	}

	body, err := json.Marshal(smsRequest{
		SrcNum:    s.source,
		Recipient: recipient,
		Body:      msg.Body,
		Reference: r.ID,
		Type:      1,
	})
	if err != nil {
		return Permanent("invalid_payload", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent("invalid_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set(DeliveryIDHeader, r.ID)

	return do(s.client, req)
}
