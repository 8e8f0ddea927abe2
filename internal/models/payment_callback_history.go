package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type PaymentGateway string

const (
	PaymentGatewayRedsys PaymentGateway = "redsys"
	PaymentGatewaySEPA   PaymentGateway = "sepa"
)

// PaymentCallbackHistory stores every inbound gateway notification and
// bank return raw, before any processing. Incorrect charges are
// reconstructed from these rows.
type PaymentCallbackHistory struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UUID           string          `gorm:"type:varchar(36);index" json:"uuid"`
	PaymentGateway PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	OrderReference string          `gorm:"type:varchar(20);index" json:"order_reference"`
	IsSOAP         bool            `json:"is_soap"`
	Metadata       json.RawMessage `gorm:"type:jsonb" json:"metadata"`
	RawBody        string          `gorm:"type:text" json:"raw_body"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      gorm.DeletedAt  `gorm:"index" json:"deleted_at,omitempty"`
}
