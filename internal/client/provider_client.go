package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

const maxRawBody = 4 << 10

// ProviderClient posts messages to a provider gateway speaking a small JSON
// protocol. One client serves one channel.
type ProviderClient struct {
	name    string
	channel model.Channel
	url     string
	token   string
	client  *http.Client
}

func NewProviderClient(name string, channel model.Channel, url, token string) *ProviderClient {
	return &ProviderClient{
		name:    name,
		channel: channel,
		url:     url,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *ProviderClient) Provider() string { return c.name }

type sendRequest struct {
	Reference    string            `json:"reference"`
	Channel      model.Channel     `json:"channel"`
	To           string            `json:"to"`
	From         string            `json:"from,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	TemplateKey  string            `json:"templateKey,omitempty"`
	Text         string            `json:"text,omitempty"`
	HTML         string            `json:"html,omitempty"`
	MediaURLs    []string          `json:"mediaUrls,omitempty"`
	TemplateData map[string]any    `json:"templateData,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Send classifies the provider's answer. Transport failures are returned as
// errors; every HTTP response becomes a SendResult.
func (c *ProviderClient) Send(ctx context.Context, m *model.Message) (model.SendResult, error) {
	reqBody, err := json.Marshal(sendRequest{
		Reference:    m.ID,
		Channel:      c.channel,
		To:           m.To,
		From:         m.From,
		Subject:      m.Subject,
		TemplateKey:  m.TemplateKey,
		Text:         m.Payload.Text,
		HTML:         m.Payload.HTML,
		MediaURLs:    m.Payload.MediaURLs,
		TemplateData: m.Payload.TemplateData,
		Metadata:     m.Payload.Metadata,
	})
	if err != nil {
		return model.SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return model.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Attempt", strconv.Itoa(m.Attempts))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return model.SendResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRawBody))
	raw := string(body)

	var sr sendResponse
	_ = json.Unmarshal(body, &sr)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if sr.MessageID == "" {
			return model.FailedResult(model.CodeSendError, fmt.Sprintf("missing messageId in response body=%q", raw)), nil
		}
		status := model.Sent
		if strings.EqualFold(sr.Status, string(model.Delivered)) {
			status = model.Delivered
		}
		return model.SendResult{Status: status, ProviderMessageID: sr.MessageID, Raw: raw}, nil

	case permanent(resp.StatusCode):
		return model.SendResult{
			Status:            model.Undeliverable,
			ProviderMessageID: sr.MessageID,
			ErrorCode:         errorCode(sr.Code, resp.StatusCode),
			ErrorMessage:      errorMessage(sr.Message, raw),
			Raw:               raw,
		}, nil

	default:
		res := model.FailedResult(errorCode(sr.Code, resp.StatusCode), errorMessage(sr.Message, raw))
		res.Raw = raw
		return res, nil
	}
}

// permanent reports responses that reject the recipient or content itself.
func permanent(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func errorCode(code string, status int) string {
	if code != "" {
		return code
	}
	return strconv.Itoa(status)
}

func errorMessage(msg, raw string) string {
	if msg != "" {
		return msg
	}
	return raw
}
