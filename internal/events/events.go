package events

// Campaign event types written to the outbox for the audit trail.
const (
	EventCartSuspended       = "cart.suspended"
	EventCartsReactivated    = "carts.reactivated"
	EventCallCompleted       = "call.completed"
	EventCallTerminalFailure = "call.terminal_failure"
)

// CartSuspendedPayload captures why calling stopped for a cart.
type CartSuspendedPayload struct {
	CartID string `json:"cart_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p CartSuspendedPayload) ToMap() map[string]any {
	return map[string]any{
		"cart_id": p.CartID,
		"status":  p.Status,
		"reason":  p.Reason,
	}
}

// CallCompletedPayload captures the final state of a call attempt.
type CallCompletedPayload struct {
	CartID        string `json:"cart_id"`
	AttemptID     string `json:"attempt_id"`
	AttemptNumber int    `json:"attempt_number"`
	Outcome       string `json:"outcome"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p CallCompletedPayload) ToMap() map[string]any {
	return map[string]any{
		"cart_id":        p.CartID,
		"attempt_id":     p.AttemptID,
		"attempt_number": p.AttemptNumber,
		"outcome":        p.Outcome,
	}
}
