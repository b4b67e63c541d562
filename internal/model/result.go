package model

// Reserved error codes set by the dispatch engine itself.
const (
	CodeCircuitOpen  = "circuit_open"
	CodeSendError    = "send_error"
	CodeTimeout      = "timeout"
	CodeNoSender     = "no_sender"
	CodeJobException = "job_exception"
)

// SendResult is what a channel sender reports for one attempt. Status is one
// of Sent, Delivered, Failed (transient) or Undeliverable (permanent).
type SendResult struct {
	Status            Status `json:"status"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	Raw               string `json:"raw,omitempty"`
}

func (r SendResult) Succeeded() bool {
	return r.Status == Sent || r.Status == Delivered
}

func FailedResult(code, msg string) SendResult {
	return SendResult{Status: Failed, ErrorCode: code, ErrorMessage: msg}
}
