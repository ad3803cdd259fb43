package gateway

// Inbound control messages. Audio arrives as raw binary frames and is not
// part of the JSON protocol.
const (
	msgInit             = "init"
	msgStop             = "stop"
	msgGetWebhookStatus = "get_webhook_status"
)

type initMessage struct {
	Type            string         `json:"type"`
	AuthToken       string         `json:"authToken,omitempty"`
	ParticipantInfo map[string]any `json:"participantInfo,omitempty"`
	WebhookURL      string         `json:"webhookUrl,omitempty"`
	EnableWebhook   *bool          `json:"enableWebhook,omitempty"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type bufferConfigMessage struct {
	FlushInterval          float64 `json:"flushInterval"`
	MaxSegmentsBeforeFlush int     `json:"maxSegmentsBeforeFlush"`
}

type readyMessage struct {
	Type           string               `json:"type"`
	SessionID      string               `json:"sessionId"`
	Model          string               `json:"model"`
	Language       string               `json:"language"`
	WebhookEnabled bool                 `json:"webhookEnabled"`
	BufferConfig   *bufferConfigMessage `json:"bufferConfig,omitempty"`
}

type transcriptMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	SessionID string `json:"sessionId"`
}

type webhookStatusMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId"`
	DeliveryStatus any    `json:"deliveryStatus"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
