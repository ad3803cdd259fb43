package webhook

import "time"

// Final statuses for a completed delivery call.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Attempt is the outcome of a single HTTP POST.
type Attempt struct {
	Number       int       `json:"attemptNumber"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	StatusCode   int       `json:"statusCode,omitempty"`
	Error        string    `json:"error,omitempty"`
	ResponseTime float64   `json:"responseTime,omitempty"`
}

// DeliveryRecord is the immutable result of one delivery call, terminal
// status included. Records are never mutated after the attempt loop ends.
type DeliveryRecord struct {
	SessionID   string    `json:"sessionId"`
	WebhookURL  string    `json:"webhookUrl"`
	PayloadSize int       `json:"payloadSize"`
	Timestamp   time.Time `json:"timestamp"`
	Attempts    []Attempt `json:"attempts"`
	Success     bool      `json:"success"`
	FinalStatus string    `json:"finalStatus"`
	LastError   string    `json:"lastError,omitempty"`
}
