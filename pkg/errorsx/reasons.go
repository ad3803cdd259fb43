package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCapacityExceeded ReasonCode = "capacity_exceeded"
	ReasonAuthFailure      ReasonCode = "auth_failure"
	ReasonMalformedMessage ReasonCode = "malformed_message"

	ReasonEngineConnect ReasonCode = "engine_connect"
	ReasonEngineSend    ReasonCode = "engine_send"
	ReasonEngineFailure ReasonCode = "engine_failure"

	ReasonDeliveryFailure   ReasonCode = "delivery_failure"
	ReasonInvalidWebhookURL ReasonCode = "invalid_webhook_url"
)
