package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"colabora_app_echo/internal/models"
)

// ErrCallbackInFlight reports a concurrent delivery of the same
// notification: another worker holds the per-order lock.
var ErrCallbackInFlight = errors.New("callback for this order is already being processed")

// callbackLockTTL bounds how long the per-order callback lock is held
// if the holder dies mid-processing.
const callbackLockTTL = time.Minute

var (
	soapTagValues = regexp.MustCompile(`<(\w+)>([^<]*)</\w+>`)
	soapSignature = regexp.MustCompile(`<Signature>([^<]*)</Signature>`)
)

// PaymentService orchestrates inbound gateway notifications and bank
// returns: it authenticates them, runs the order transition inside a
// row-locked transaction and persists order and owner together.
type PaymentService struct {
	db     *gorm.DB
	cache  *RedisCache
	redsys *RedsysService
	logger *log.Logger
}

func NewPaymentService(db *gorm.DB, cache *RedisCache, redsys *RedsysService, logger *log.Logger) *PaymentService {
	return &PaymentService{db: db, cache: cache, redsys: redsys, logger: logger}
}

// NotificationResult is what a processed gateway notification leaves
// behind: the settled order, its owner, and the synchronous SOAP
// acknowledgment when the delivery was SOAP.
type NotificationResult struct {
	Order         *models.Order
	Collaboration *models.Collaboration
	IsSOAP        bool
	Ack           string

	// Verdict is non-nil when the order ended in the warning state:
	// a stale payment date, a signature mismatch, or an unparseable
	// date. The transition itself is already committed.
	Verdict error
}

// ProcessGatewayNotification applies one asynchronous gateway delivery,
// either the HTTP-POST form or the SOAP form. Every delivery is stored
// raw before processing; duplicated concurrent deliveries of the same
// order are serialized through a cache lock and the order's own
// terminal-state guard.
func (s *PaymentService) ProcessGatewayNotification(ctx context.Context, params map[string]string, body string) (*NotificationResult, error) {
	isSOAP := params["Ds_Order"] == "" && strings.Contains(body, "procesaNotificacionSIS") ||
		params["Ds_Order"] == "" && strings.Contains(body, "<Message>")

	rawXML := ""
	if isSOAP {
		rawXML = body
		params = mergeSOAPParams(params, body)
	}
	orderRef := params["Ds_Order"]

	s.recordCallback(params, body, orderRef, isSOAP)

	if orderRef == "" {
		return nil, fmt.Errorf("notification carries no gateway order reference")
	}

	if s.cache != nil {
		acquired, err := s.cache.SetNX(ctx, "redsys:callback:"+orderRef, time.Now().Unix(), callbackLockTTL)
		if err == nil && !acquired {
			return nil, ErrCallbackInFlight
		}
		defer s.cache.Delete(ctx, "redsys:callback:"+orderRef)
	}

	kind, parentID, err := models.ParentFromReference(orderRef)
	if err != nil {
		return nil, err
	}
	if kind != models.ParentKindCollaboration {
		return nil, fmt.Errorf("no handler for parent kind %q", kind)
	}

	now := time.Now()
	result := &NotificationResult{IsSOAP: isSOAP}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var collab models.Collaboration
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&collab, parentID).Error; err != nil {
			return fmt.Errorf("load collaboration %d: %w", parentID, err)
		}

		order, err := s.firstOrderForCallback(tx, &collab, now)
		if err != nil {
			return err
		}
		if !order.IsPayable() {
			// Already settled by an earlier delivery; ack without
			// touching it again.
			result.Order = order
			result.Collaboration = &collab
			return nil
		}

		expectedSig := ""
		var sigErr error
		if rawXML != "" {
			expectedSig, sigErr = s.redsys.ResponseSignature(orderRef, rawXML)
		} else {
			sigErr = &SignatureComputationError{Op: "response verification", Err: errors.New("notification carries no signed XML")}
		}

		result.Verdict = order.ParseGatewayCallback(params, expectedSig, sigErr, now, &collab)

		s.logger.Infoj(log.JSON{
			"event":     "gateway_callback",
			"order_ref": orderRef,
			"order_id":  order.ID,
			"parent":    collab.ID,
			"user":      order.UserID,
			"status":    int(order.Status),
			"params":    params,
			"raw_xml":   rawXML,
			"verdict":   errString(result.Verdict),
		})

		if err := tx.Save(order).Error; err != nil {
			return err
		}
		if err := tx.Save(&collab).Error; err != nil {
			return err
		}
		result.Order = order
		result.Collaboration = &collab
		return nil
	})
	if err != nil {
		return nil, err
	}

	if isSOAP {
		ack, err := s.redsys.CallbackAck(result.Order, now)
		if err != nil {
			return nil, err
		}
		result.Ack = ack
	}
	return result, nil
}

// firstOrderForCallback finds the pending first-in-series order of the
// collaboration, or creates it the way the subscription would have for
// this cycle.
func (s *PaymentService) firstOrderForCallback(tx *gorm.DB, collab *models.Collaboration, now time.Time) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("parent_kind = ? AND parent_id = ? AND first = ?", models.ParentKindCollaboration, collab.ID, true).
		Order("payable_at desc").
		First(&order).Error
	if err == nil {
		return &order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	created, err := collab.CreateOrder(now, true)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ProcessBankReturn applies a SEPA return code to a single order inside
// a row-locked transaction and persists order and owner together.
func (s *PaymentService) ProcessBankReturn(ctx context.Context, orderID uint, code string) (*models.Order, error) {
	var result *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, orderID).Error; err != nil {
			return err
		}

		var parent models.NotificationPort
		var collab models.Collaboration
		if order.ParentKind == models.ParentKindCollaboration {
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&collab, order.ParentID).Error; err == nil && !collab.DeletedAt.Valid {
				parent = &collab
			}
		}

		changed := order.ProcessReturn(code, parent)

		s.logger.Infoj(log.JSON{
			"event":    "bank_return",
			"order_id": order.ID,
			"parent":   order.ParentID,
			"user":     order.UserID,
			"code":     code,
			"status":   int(order.Status),
			"changed":  changed,
		})

		if !changed {
			result = &order
			return nil
		}
		if err := tx.Save(&order).Error; err != nil {
			return err
		}
		if parent != nil {
			if err := tx.Save(&collab).Error; err != nil {
				return err
			}
		}
		result = &order
		return nil
	})
	return result, err
}

// ChargeRenewal runs the server-to-server direct charge for one card
// renewal. A transport failure leaves the order untouched and is safe
// to retry under the same gateway reference.
func (s *PaymentService) ChargeRenewal(ctx context.Context, orderID uint) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		return nil, err
	}
	if !order.IsChargeable() {
		return nil, fmt.Errorf("order %d is not chargeable (status %d)", order.ID, order.Status)
	}
	if !order.IsCreditCard() {
		return nil, fmt.Errorf("order %d is not on the card rail", order.ID)
	}

	var collab models.Collaboration
	if err := s.db.WithContext(ctx).First(&collab, order.ParentID).Error; err != nil {
		return nil, err
	}
	if order.PaymentIdentifier == "" {
		order.PaymentIdentifier = collab.RedsysIdentifier
	}

	if err := s.redsys.SendDirectCharge(ctx, &order, &collab); err != nil {
		var transport *GatewayTransportError
		if errors.As(err, &transport) {
			return nil, err // untouched, retry with the same reference
		}
		// Protocol failures already settled the order as an error.
		if saveErr := s.persistOutcome(ctx, &order, &collab); saveErr != nil {
			return nil, saveErr
		}
		return &order, err
	}

	if err := s.persistOutcome(ctx, &order, &collab); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *PaymentService) persistOutcome(ctx context.Context, order *models.Order, collab *models.Collaboration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		return tx.Save(collab).Error
	})
}

// recordCallback stores the raw delivery. A failure to record is
// logged, not fatal: the notification still has to be processed.
func (s *PaymentService) recordCallback(params map[string]string, body, orderRef string, isSOAP bool) {
	metadata, _ := json.Marshal(params)
	history := models.PaymentCallbackHistory{
		UUID:           uuid.New().String(),
		PaymentGateway: models.PaymentGatewayRedsys,
		OrderReference: orderRef,
		IsSOAP:         isSOAP,
		Metadata:       metadata,
		RawBody:        body,
	}
	if err := s.db.Create(&history).Error; err != nil {
		s.logger.Errorj(log.JSON{"event": "callback_history_failed", "error": err.Error()})
	}
}

// mergeSOAPParams extracts the notification parameters embedded in the
// SOAP body's <Request> fragment plus the <Signature> element. Values
// already present in the form parameters win unless they are blank.
func mergeSOAPParams(params map[string]string, body string) map[string]string {
	merged := make(map[string]string, len(params)+8)

	start := strings.Index(body, requestOpenTag)
	if start >= 0 {
		end := strings.Index(body[start:], requestCloseTag)
		if end >= 0 {
			fragment := body[start : start+end+len(requestCloseTag)]
			for _, m := range soapTagValues.FindAllStringSubmatch(fragment, -1) {
				merged[m[1]] = m[2]
			}
		}
	}
	if m := soapSignature.FindStringSubmatch(body); m != nil {
		merged["Ds_Signature"] = m[1]
	}
	for k, v := range params {
		if v != "" {
			merged[k] = v
		}
	}
	return merged
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
