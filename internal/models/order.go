package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// PaymentRail is the payment channel of an order. It never changes
// after the order is created.
type PaymentRail int

const (
	PaymentRailCreditCard PaymentRail = 1
	PaymentRailBankCCC    PaymentRail = 2
	PaymentRailBankIBAN   PaymentRail = 3
)

// PaymentRailNames maps rails to operator-facing names.
var PaymentRailNames = map[PaymentRail]string{
	PaymentRailCreditCard: "Suscripción con Tarjeta de Crédito/Débito",
	PaymentRailBankCCC:    "Domiciliación en cuenta bancaria (formato CCC)",
	PaymentRailBankIBAN:   "Domiciliación en cuenta bancaria (formato IBAN)",
}

// OrderStatus is the state of a charge attempt.
type OrderStatus int

const (
	OrderStatusNew      OrderStatus = 0
	OrderStatusCharging OrderStatus = 1
	OrderStatusPaid     OrderStatus = 2
	OrderStatusWarning  OrderStatus = 3
	OrderStatusError    OrderStatus = 4
	OrderStatusReturned OrderStatus = 5
)

// OrderStatusNames maps statuses to operator-facing names.
var OrderStatusNames = map[OrderStatus]string{
	OrderStatusNew:      "Nueva",
	OrderStatusCharging: "Sin confirmar",
	OrderStatusPaid:     "OK",
	OrderStatusWarning:  "Alerta",
	OrderStatusError:    "Error",
	OrderStatusReturned: "Devuelta",
}

var (
	// ErrReplayWindow reports a callback whose embedded payment date is
	// outside the accepted freshness window around now.
	ErrReplayWindow = errors.New("payment date outside replay window")

	// ErrSignatureMismatch reports a callback whose signature does not
	// match the recomputed one. Treated as a potential fraud signal.
	ErrSignatureMismatch = errors.New("response signature mismatch")
)

// replayWindow bounds how stale or how far in the future a callback's
// embedded payment date may be and still promote the order to paid.
const replayWindow = time.Hour

// directChargeOKMarker is the literal token the gateway embeds in the
// response body of a successful server-to-server charge.
const directChargeOKMarker = "RSisReciboOK"

// Order is one charge attempt for a billing cycle. Its owner is a
// tagged parent reference (collaboration, microcredit, ...); the order
// itself carries no behaviour beyond its own state machine.
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ParentKind ParentKind `gorm:"type:varchar(30);index:idx_orders_parent" json:"parent_kind"`
	ParentID   uint       `gorm:"index:idx_orders_parent" json:"parent_id"`
	UserID     uint       `gorm:"index" json:"user_id"`

	PaymentRail PaymentRail `gorm:"not null" json:"payment_rail"`
	Amount      int         `gorm:"not null" json:"amount"` // minor units (cents)
	Status      OrderStatus `gorm:"default:0;index" json:"status"`
	Reference   string      `gorm:"type:varchar(255)" json:"reference"` // receipt concept text
	PayableAt   time.Time   `gorm:"index" json:"payable_at"`

	PaymentResponse   json.RawMessage `gorm:"type:jsonb" json:"payment_response"`
	PaymentIdentifier string          `gorm:"type:varchar(100)" json:"payment_identifier"`
	First             bool            `json:"first"`
	PaidAt            *time.Time      `json:"paid_at"`

	// Relationships
	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`

	// gatewayRef caches the reference for the lifetime of this charge
	// attempt; retries must reuse it or risk a double charge.
	gatewayRef string
}

func (o *Order) IsPayable() bool    { return o.Status < OrderStatusPaid }
func (o *Order) IsChargeable() bool { return o.Status == OrderStatusNew }
func (o *Order) IsCharging() bool   { return o.Status == OrderStatusCharging }
func (o *Order) HasWarnings() bool  { return o.Status == OrderStatusWarning }
func (o *Order) HasErrors() bool    { return o.Status == OrderStatusError }
func (o *Order) WasReturned() bool  { return o.Status == OrderStatusReturned }

// IsPaid reports a successful charge, counting the warning state: a
// warned order was accepted by the rail, only its callback could not be
// fully trusted, so the gateway must still see it as settled.
func (o *Order) IsPaid() bool {
	return o.Status == OrderStatusPaid || o.Status == OrderStatusWarning
}

func (o *Order) StatusName() string      { return OrderStatusNames[o.Status] }
func (o *Order) PaymentRailName() string { return PaymentRailNames[o.PaymentRail] }

func (o *Order) IsCreditCard() bool { return o.PaymentRail == PaymentRailCreditCard }
func (o *Order) IsBank() bool       { return o.PaymentRail != PaymentRailCreditCard }

func (o *Order) IsBankInternational() bool {
	return o.PaymentRail == PaymentRailBankIBAN && !strings.HasPrefix(o.PaymentIdentifier, "ES")
}

// DueCode is the SEPA sequence type of this debit: FRST for the first
// charge of a mandate, RCUR for the following ones.
func (o *Order) DueCode() string {
	if o.First {
		return "FRST"
	}
	return "RCUR"
}

// Validate checks the fields every charge attempt must carry before any
// network call is made.
func (o *Order) Validate() error {
	if o.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be a positive amount in minor units"}
	}
	if _, ok := PaymentRailNames[o.PaymentRail]; !ok {
		return &ValidationError{Field: "payment_rail", Reason: "unknown payment rail"}
	}
	if o.PayableAt.IsZero() {
		return &ValidationError{Field: "payable_at", Reason: "missing billing cycle date"}
	}
	if _, err := o.ParentKind.Letter(); err != nil {
		return &ValidationError{Field: "parent_kind", Reason: err.Error()}
	}
	return nil
}

// ValidationError reports a required order field that is missing or
// invalid. Orders failing validation are rejected before any network
// call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order field %s: %s", e.Field, e.Reason)
}

// GatewayReference derives the reference the card gateway uses to
// correlate this charge attempt with its asynchronous callback. It is
// at most 12 characters and stable for the lifetime of the attempt:
// once computed, retries reuse the same value.
//
// First-in-series orders that already saw a gateway response reuse the
// reference the gateway echoed back; persisted orders fall back to
// their zero-padded id; unsaved first orders derive a fresh reference
// from the parent id, the parent kind letter and the clock.
func (o *Order) GatewayReference(now time.Time) string {
	if o.gatewayRef != "" {
		return o.gatewayRef
	}

	if ref := o.echoedReference(); ref != "" {
		o.gatewayRef = ref
	} else if o.ID != 0 {
		o.gatewayRef = fmt.Sprintf("%012d", o.ID)
	} else {
		letter, _ := o.ParentKind.Letter()
		epoch := strconv.FormatInt(now.Unix(), 36)
		o.gatewayRef = fmt.Sprintf("%07d%c%s", o.ParentID, letter, epoch[len(epoch)-4:])
	}
	return o.gatewayRef
}

// echoedReference extracts Ds_Order from the last stored gateway
// response, when that response was a parameter map.
func (o *Order) echoedReference() string {
	if len(o.PaymentResponse) == 0 {
		return ""
	}
	var params map[string]any
	if err := json.Unmarshal(o.PaymentResponse, &params); err != nil {
		return ""
	}
	if ref, ok := params["Ds_Order"].(string); ok {
		return ref
	}
	return ""
}

// ParentFromReference decodes the owning entity out of a gateway order
// reference: seven zero-padded digits of parent id followed by the kind
// letter.
func ParentFromReference(ref string) (ParentKind, uint, error) {
	if len(ref) < 8 {
		return "", 0, fmt.Errorf("gateway reference %q too short", ref)
	}
	kind, err := ParentKindFromLetter(ref[7])
	if err != nil {
		return "", 0, fmt.Errorf("gateway reference %q: %w", ref, err)
	}
	id, err := strconv.ParseUint(ref[:7], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("gateway reference %q: %w", ref, err)
	}
	return kind, uint(id), nil
}

// MarkCharging moves a new order into the charging state ahead of a
// bank debit cycle. It is a plain status write with no side effects and
// a no-op for any other state.
func (o *Order) MarkCharging() bool {
	if !o.IsChargeable() {
		return false
	}
	o.Status = OrderStatusCharging
	return true
}

// MarkPaid settles the order and notifies the owner exactly once.
// Calling it on an already settled order is a no-op, so a duplicated
// delivery cannot notify twice.
func (o *Order) MarkPaid(at time.Time, parent NotificationPort) bool {
	if !o.IsPayable() {
		return false
	}
	o.Status = OrderStatusPaid
	o.PaidAt = &at
	if parent != nil {
		parent.PaymentProcessed(o)
	}
	return true
}

// ProcessReturn applies a SEPA return code reported by the bank. Codes
// in the fatal set put the order in the error state, every other code
// (including unknown ones) leaves it returned. The owner is notified
// exactly once with the severity flags from the return-code table.
func (o *Order) ProcessReturn(rawCode string, parent NotificationPort) bool {
	if !o.IsPayable() {
		return false
	}
	code := strings.ToUpper(strings.TrimSpace(rawCode))
	if code != "" {
		o.PaymentResponse, _ = json.Marshal(code)
	}

	o.Status = OrderStatusReturned
	if IsFatalReturnCode(code) {
		o.Status = OrderStatusError
	}

	if parent != nil {
		reason, known := ClassifyReturn(code)
		if known {
			parent.ReturnProcessed(reason.Error, reason.Warn, o.Status == OrderStatusError)
		} else {
			parent.ReturnProcessed(false, false, o.Status == OrderStatusError)
		}
	}
	return true
}

// ParseGatewayCallback applies an asynchronous gateway notification to
// the order. The caller supplies the signature a genuine response must
// carry (recomputed from the raw XML) and the current time.
//
// A response code below 100 means the rail accepted the charge; the
// order is promoted to paid only when the embedded payment date is
// inside the replay window and the signature matches. Otherwise the
// order ends in the warning state and the returned error tells why.
// Response codes of 100 and above put the order in the error state.
//
// The owner is notified exactly once per invocation; calling this on an
// order that is no longer payable is a no-op.
func (o *Order) ParseGatewayCallback(params map[string]string, expectedSignature string, sigErr error, now time.Time, parent NotificationPort) error {
	if !o.IsPayable() {
		return nil
	}
	o.PaymentResponse, _ = json.Marshal(params)

	var verdict error
	code, codeErr := parseResponseCode(params["Ds_Response"])
	switch {
	case codeErr != nil:
		o.Status = OrderStatusError
		verdict = codeErr
	case code >= 100:
		o.Status = OrderStatusError
	default:
		verdict = o.applyAcceptedCallback(params, expectedSignature, sigErr, now)
	}

	if parent != nil {
		parent.PaymentProcessed(o)
	}
	return verdict
}

// applyAcceptedCallback decides between paid and warning for a response
// inside the success band.
func (o *Order) applyAcceptedCallback(params map[string]string, expectedSignature string, sigErr error, now time.Time) error {
	paymentDate, err := ParsePaymentDate(params)
	var verdict error
	switch {
	case err != nil:
		o.Status = OrderStatusWarning
		verdict = err
	case now.Sub(paymentDate) >= replayWindow || paymentDate.Sub(now) >= replayWindow:
		o.Status = OrderStatusWarning
		verdict = ErrReplayWindow
	case sigErr != nil:
		o.Status = OrderStatusWarning
		verdict = sigErr
	case expectedSignature == "" || params["Ds_Signature"] != expectedSignature:
		o.Status = OrderStatusWarning
		verdict = ErrSignatureMismatch
	default:
		o.Status = OrderStatusPaid
		o.PaidAt = &now
	}
	if id := params["Ds_Merchant_Identifier"]; id != "" {
		o.PaymentIdentifier = id
	}
	return verdict
}

// ApplyDirectChargeResponse applies the synchronous body of a
// server-to-server renewal charge. The body markers are stored raw; the
// literal success marker settles the order, anything else is an error.
// The owner is notified exactly once.
func (o *Order) ApplyDirectChargeResponse(markers []string, now time.Time, parent NotificationPort) {
	if !o.IsPayable() {
		return
	}
	o.PaymentResponse, _ = json.Marshal(markers)
	if len(markers) > 0 && markers[0] == directChargeOKMarker {
		o.Status = OrderStatusPaid
		o.PaidAt = &now
	} else {
		o.Status = OrderStatusError
	}
	if parent != nil {
		parent.PaymentProcessed(o)
	}
}

// CardExpiration derives the stored card's expiry from the
// Ds_ExpiryDate of the first successful response: the card is valid
// until the last second of its expiration month.
func (o *Order) CardExpiration() (time.Time, error) {
	if !o.First || len(o.PaymentResponse) == 0 {
		return time.Time{}, errors.New("no first-payment gateway response stored")
	}
	var params map[string]any
	if err := json.Unmarshal(o.PaymentResponse, &params); err != nil {
		return time.Time{}, err
	}
	raw, _ := params["Ds_ExpiryDate"].(string)
	t, err := time.Parse("0601", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse Ds_ExpiryDate %q: %w", raw, err)
	}
	return t.AddDate(0, 1, 0).Add(-time.Second), nil
}

// parseResponseCode parses the numeric gateway response code. Unlike a
// permissive string-to-int coercion, a malformed code is an explicit
// error instead of silently landing in the success band.
func parseResponseCode(raw string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("malformed gateway response code %q", raw)
	}
	return code, nil
}

// gatewayTimeZone is the timezone the gateway stamps its callbacks in.
var gatewayTimeZone = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		return time.FixedZone("CET", 60*60)
	}
	return loc
}()

// paymentDateLayouts are the date/hour shapes seen on gateway
// callbacks, oldest form first.
var paymentDateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParsePaymentDate extracts the payment timestamp a callback embeds,
// from either the legacy Fecha/Hora pair or the Ds_Date/Ds_Hour pair,
// interpreted in the gateway's server timezone. Failures are explicit:
// callers branch on the error, never on a recovered panic.
func ParsePaymentDate(params map[string]string) (time.Time, error) {
	date := params["Fecha"]
	if date == "" {
		date = params["Ds_Date"]
	}
	hour := params["Hora"]
	if hour == "" {
		hour = params["Ds_Hour"]
	}
	if date == "" || hour == "" {
		return time.Time{}, fmt.Errorf("callback carries no payment date (Fecha=%q, Hora=%q)", date, hour)
	}
	raw := date + " " + hour
	for _, layout := range paymentDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, gatewayTimeZone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable payment date %q", raw)
}
