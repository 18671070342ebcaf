package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/austindbirch/courier/internal/delivery"
)

// EmailMessage is the payload format expected for email records.
type EmailMessage struct {
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// Email sends through a SendGrid v3 compatible mail API.
type Email struct {
	client    *http.Client
	endpoint  string
	apiKey    string
	fromEmail string
	fromName  string
}

func NewEmail(timeout time.Duration, endpoint, apiKey, fromEmail, fromName string) *Email {
	return &Email{
		client:    newHTTPClient(timeout),
		endpoint:  endpoint,
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

func (e *Email) Attempt(ctx context.Context, r *delivery.Record) Outcome {
	addr, err := mail.ParseAddress(r.Target)
	if err != nil {
		return Permanent("invalid_target", err.Error())
	}

	var msg EmailMessage
	if err := json.Unmarshal(r.Payload, &msg); err != nil {
		return Permanent("invalid_payload", err.Error())
	}
	if strings.TrimSpace(msg.Subject) == "" || (msg.Text == "" && msg.HTML == "") {
		return Permanent("invalid_payload", "subject and a text or html body are required")
	}

	payload := sgMailPayload{
		Personalizations: []sgPersonalization{{
			To: []sgAddress{{Email: addr.Address, Name: addr.Name}},
		}},
		From:       sgAddress{Email: e.fromEmail, Name: e.fromName},
		Subject:    msg.Subject,
		CustomArgs: map[string]string{"record_id": r.ID},
	}
	if msg.Text != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/html", Value: msg.HTML})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent("invalid_payload", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent("invalid_request", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryIDHeader, r.ID)

	return do(e.client, req)
}

// SendGrid v3 Mail Send API payload types.
type sgMailPayload struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	CustomArgs       map[string]string   `json:"custom_args,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}
