package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("webhook: malformed payload")

// Event is one provider callback reduced to what reconciliation needs.
type Event struct {
	ExternalID   string `json:"externalId"`
	MessageID    string `json:"messageId,omitempty"`
	Type         string `json:"event"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Parse decodes a callback body for the named provider. Unknown providers are
// expected to post the canonical JSON shape of Event, or an array of it.
func Parse(provider string, body []byte) ([]Event, error) {
	var (
		events []Event
		err    error
	)

	switch strings.ToLower(provider) {
	case "twilio":
		events, err = parseTwilio(body)
	case "sendgrid":
		events, err = parseSendGrid(body)
	case "vonage":
		events, err = parseVonage(body)
	case "mailgun":
		events, err = parseMailgun(body)
	default:
		events, err = parseCanonical(body)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := events[:0]
	for _, ev := range events {
		if ev.ExternalID == "" && ev.MessageID == "" {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseTwilio(body []byte) ([]Event, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}

	status := form.Get("MessageStatus")
	if status == "" {
		status = form.Get("SmsStatus")
	}
	return []Event{{
		ExternalID:   form.Get("MessageSid"),
		Type:         status,
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
	}}, nil
}

type sendGridEvent struct {
	SGMessageID string `json:"sg_message_id"`
	Event       string `json:"event"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	Type        string `json:"type"`
}

func parseSendGrid(body []byte) ([]Event, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		// sg_message_id is the X-Message-Id returned at send time plus a
		// filter suffix after the first dot.
		id, _, _ := strings.Cut(r.SGMessageID, ".")

		typ := r.Event
		if typ == "bounce" && r.Type == "blocked" {
			typ = "blocked"
		}
		out = append(out, Event{
			ExternalID:   id,
			Type:         typ,
			ErrorCode:    r.Status,
			ErrorMessage: r.Reason,
		})
	}
	return out, nil
}

type vonageEvent struct {
	MessageID     string `json:"messageId"`
	MessageIDDash string `json:"message-id"`
	MessageUUID   string `json:"message_uuid"`
	Status        string `json:"status"`
	ErrCode       string `json:"err-code"`
}

func parseVonage(body []byte) ([]Event, error) {
	var r vonageEvent
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}

	id := firstNonEmpty(r.MessageUUID, r.MessageID, r.MessageIDDash)
	ev := Event{ExternalID: id, Type: r.Status}
	if r.ErrCode != "" && r.ErrCode != "0" {
		ev.ErrorCode = r.ErrCode
	}
	return []Event{ev}, nil
}

type mailgunEvent struct {
	EventData struct {
		Event   string `json:"event"`
		Message struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
		DeliveryStatus struct {
			Code    json.Number `json:"code"`
			Message string      `json:"message"`
		} `json:"delivery-status"`
		Reason string `json:"reason"`
	} `json:"event-data"`
}

func parseMailgun(body []byte) ([]Event, error) {
	var r mailgunEvent
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}

	d := r.EventData
	ev := Event{
		ExternalID:   strings.Trim(d.Message.Headers.MessageID, "<>"),
		Type:         d.Event,
		ErrorMessage: firstNonEmpty(d.DeliveryStatus.Message, d.Reason),
	}
	if code, err := d.DeliveryStatus.Code.Int64(); err == nil && code != 0 {
		ev.ErrorCode = strconv.FormatInt(code, 10)
	}
	return []Event{ev}, nil
}

func parseCanonical(body []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var evs []Event
		if err := json.Unmarshal(body, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
