package models

// NotificationPort is the contract the payment engine calls on the
// entity that owns an order. Calls are fire-and-forget: the engine
// invokes them at most once per definitive transition and never rolls
// back a committed order state because a notification failed.
type NotificationPort interface {
	// PaymentProcessed is invoked once after a charge attempt reached a
	// definitive outcome (paid, warning or error).
	PaymentProcessed(order *Order)

	// ReturnProcessed is invoked once per returned bank debit. The flags
	// come from the SEPA return-code table; isErrorSeverity reports
	// whether the order itself ended in the error state.
	ReturnProcessed(isError, isWarning, isErrorSeverity bool)

	// OkRedirectURL and KoRedirectURL are handed to the gateway for
	// first-payment browser redirects.
	OkRedirectURL() string
	KoRedirectURL() string

	// OwnerIdentity is embedded into the merchant data field of
	// outbound gateway requests.
	OwnerIdentity() string
}
