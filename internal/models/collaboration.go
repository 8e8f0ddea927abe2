package models

import (
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// CollaborationStatus is the state of the recurring collection itself,
// as opposed to the state of any single charge attempt.
type CollaborationStatus int

const (
	CollaborationStatusNoPayment   CollaborationStatus = 0
	CollaborationStatusError       CollaborationStatus = 1
	CollaborationStatusUnconfirmed CollaborationStatus = 2
	CollaborationStatusOK          CollaborationStatus = 3
	CollaborationStatusWarning     CollaborationStatus = 4
)

// MaxReturnedOrders is how many consecutive returned debits a
// collaboration survives before it is suspended.
const MaxReturnedOrders = 2

// PublicBaseURL is the externally visible base of the platform, used
// to build the gateway redirect URLs. Set once at boot.
var PublicBaseURL = "https://localhost:8080"

// Collaboration is a recurring collection: the subscription that owns
// a series of orders. It implements NotificationPort, so the payment
// engine can report charge outcomes without knowing anything beyond
// that contract. Suspension mail and scheduling live elsewhere.
type Collaboration struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	UserID      uint                `gorm:"index" json:"user_id"`
	Amount      int                 `gorm:"not null" json:"amount"` // minor units per period
	Frequency   int                 `gorm:"default:1" json:"frequency"`
	PaymentRail PaymentRail         `gorm:"not null" json:"payment_rail"`
	Status      CollaborationStatus `gorm:"default:0;index" json:"status"`

	BankAccount BankAccount `gorm:"embedded" json:"bank_account"`

	// Card-on-file token and its expiry, promoted from the first
	// successful card order.
	RedsysIdentifier string     `gorm:"type:varchar(100)" json:"redsys_identifier"`
	RedsysExpiration *time.Time `json:"redsys_expiration"`

	// Consecutive returned debits since the last successful charge.
	ReturnedOrderCount int `gorm:"default:0" json:"returned_order_count"`

	// Relationships
	User   User    `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Orders []Order `gorm:"foreignKey:ParentID" json:"orders,omitempty"`
}

func (c *Collaboration) IsCreditCard() bool { return c.PaymentRail == PaymentRailCreditCard }
func (c *Collaboration) IsBank() bool       { return c.PaymentRail != PaymentRailCreditCard }

func (c *Collaboration) IsActive() bool {
	return c.Status > CollaborationStatusError && !c.DeletedAt.Valid
}

func (c *Collaboration) IsPayable() bool {
	return (c.Status == CollaborationStatusUnconfirmed || c.Status == CollaborationStatusOK) && !c.DeletedAt.Valid
}

func (c *Collaboration) HasConfirmedPayment() bool {
	return c.Status > CollaborationStatusUnconfirmed && !c.DeletedAt.Valid
}

func (c *Collaboration) HasErrors() bool   { return c.Status == CollaborationStatusError }
func (c *Collaboration) HasWarnings() bool { return c.Status == CollaborationStatusWarning }

// PaymentIdentifier is the stored charging credential: the card token
// for card collections, "IBAN/BIC" for bank ones.
func (c *Collaboration) PaymentIdentifier() (string, error) {
	if c.IsCreditCard() {
		return c.RedsysIdentifier, nil
	}
	return c.BankAccount.PaymentIdentifier()
}

// CreateOrder builds the charge attempt for one billing cycle. The
// order is not persisted here.
func (c *Collaboration) CreateOrder(date time.Time, first bool) (*Order, error) {
	identifier := ""
	if !first {
		var err error
		identifier, err = c.PaymentIdentifier()
		if err != nil {
			return nil, err
		}
	}
	order := &Order{
		ParentKind:        ParentKindCollaboration,
		ParentID:          c.ID,
		UserID:            c.UserID,
		PaymentRail:       c.PaymentRail,
		Amount:            c.periodAmount(),
		Status:            OrderStatusNew,
		Reference:         c.orderReference(date),
		PayableAt:         date,
		First:             first,
		PaymentIdentifier: identifier,
	}
	return order, order.Validate()
}

func (c *Collaboration) periodAmount() int {
	if c.Frequency <= 0 {
		return c.Amount
	}
	return c.Amount * c.Frequency
}

func (c *Collaboration) orderReference(date time.Time) string {
	text := "Colaboración "
	switch c.Frequency {
	case 0:
		text += "Puntual "
	case 3:
		text += "Trimestral "
	case 12:
		text += "Anual "
	}
	return text + date.Format("January 2006")
}

// PaymentProcessed implements NotificationPort for card and bank charge
// outcomes. A paid order confirms the collection (and promotes the card
// token on the first card payment); a failed one suspends it.
func (c *Collaboration) PaymentProcessed(order *Order) {
	switch {
	case order.IsPaid():
		if order.HasWarnings() {
			c.Status = CollaborationStatusWarning
		} else {
			c.Status = CollaborationStatusOK
		}
		c.ReturnedOrderCount = 0
		if order.First && c.IsCreditCard() && order.PaymentIdentifier != "" {
			c.RedsysIdentifier = order.PaymentIdentifier
			if exp, err := order.CardExpiration(); err == nil {
				c.RedsysExpiration = &exp
			}
		}
	case order.HasErrors():
		c.Status = CollaborationStatusError
	}
}

// ReturnProcessed implements NotificationPort for returned bank debits.
// The severity flags come straight from the return-code table; the
// collaboration is suspended on an error-severity code or after too
// many consecutive returns.
func (c *Collaboration) ReturnProcessed(isError, isWarning, isErrorSeverity bool) {
	c.ReturnedOrderCount++
	if !c.IsPayable() {
		return
	}
	switch {
	case isError:
		c.Status = CollaborationStatusError
	case isWarning:
		c.Status = CollaborationStatusWarning
	case isErrorSeverity || c.ReturnedOrderCount >= MaxReturnedOrders:
		c.Status = CollaborationStatusError
	}
}

// OkRedirectURL implements NotificationPort.
func (c *Collaboration) OkRedirectURL() string {
	return fmt.Sprintf("%s/colabora/ok", PublicBaseURL)
}

// KoRedirectURL implements NotificationPort.
func (c *Collaboration) KoRedirectURL() string {
	return fmt.Sprintf("%s/colabora/ko", PublicBaseURL)
}

// OwnerIdentity implements NotificationPort.
func (c *Collaboration) OwnerIdentity() string {
	return strconv.FormatUint(uint64(c.UserID), 10)
}
