// Package webhook translates provider delivery callbacks into canonical
// message statuses.
package webhook

import (
	"strings"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

var canonical = map[string]model.Status{
	"queued":       model.Queued,
	"accepted":     model.Sending,
	"processed":    model.Sending,
	"sending":      model.Sending,
	"sent":         model.Sent,
	"delivered":    model.Delivered,
	"failed":       model.Failed,
	"undelivered":  model.Failed,
	"bounce":       model.Failed,
	"dropped":      model.Failed,
	"rejected":     model.Failed,
	"spamreport":   model.Undeliverable,
	"blocked":      model.Undeliverable,
	"complained":   model.Undeliverable,
	"unsubscribed": model.Undeliverable,
}

// Provider vocabularies override or extend the canonical table. An empty
// status marks an event that carries no delivery information.
var vocabularies = map[string]map[string]model.Status{
	"twilio": {
		"scheduled": model.Queued,
		"read":      model.Delivered,
		"receiving": "",
		"received":  "",
		"canceled":  "",
	},
	"sendgrid": {
		"deferred":          "",
		"open":              "",
		"click":             "",
		"unsubscribe":       model.Undeliverable,
		"group_unsubscribe": model.Undeliverable,
	},
	"vonage": {
		"submitted": model.Sending,
		"buffered":  model.Sending,
		"expired":   model.Failed,
		"unknown":   "",
	},
	"mailgun": {
		"opened":  "",
		"clicked": "",
		"stored":  "",
	},
}

// Map resolves a provider event to a canonical status. ok is false for events
// that must not change a message.
func Map(provider, event string) (model.Status, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	event = strings.ToLower(strings.TrimSpace(event))

	if vocab, found := vocabularies[provider]; found {
		if st, known := vocab[event]; known {
			return st, st != ""
		}
	}

	st, ok := canonical[event]
	return st, ok
}
