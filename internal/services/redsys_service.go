package services

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"colabora_app_echo/internal/models"
)

// RedsysConfig is the merchant account configuration of the card
// gateway, all of it external to the engine.
type RedsysConfig struct {
	PostURL         string
	MerchantCode    string
	MerchantName    string
	Terminal        string
	Currency        string
	TransactionType string
	PayMethods      string
	Identifier      string // merchant-issued marker requesting a card-on-file token
	SecretKeyBase64 string
	CallbackBaseURL string
	Timeout         time.Duration
}

// RedsysConfigFromEnv reads the gateway account settings from the
// environment.
func RedsysConfigFromEnv() RedsysConfig {
	timeout := 30 * time.Second
	if raw := os.Getenv("REDSYS_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	return RedsysConfig{
		PostURL:         os.Getenv("REDSYS_POST_URL"),
		MerchantCode:    os.Getenv("REDSYS_MERCHANT_CODE"),
		MerchantName:    os.Getenv("REDSYS_MERCHANT_NAME"),
		Terminal:        os.Getenv("REDSYS_TERMINAL"),
		Currency:        os.Getenv("REDSYS_CURRENCY"),
		TransactionType: os.Getenv("REDSYS_TRANSACTION_TYPE"),
		PayMethods:      os.Getenv("REDSYS_PAY_METHODS"),
		Identifier:      os.Getenv("REDSYS_IDENTIFIER"),
		SecretKeyBase64: os.Getenv("REDSYS_SECRET_KEY"),
		CallbackBaseURL: os.Getenv("REDSYS_CALLBACK_BASE_URL"),
		Timeout:         timeout,
	}
}

// directChargeMarkers matches the HTML-comment-delimited status tokens
// of the server-to-server response body.
var directChargeMarkers = regexp.MustCompile(`<!--\W*(\w*)\W*-->`)

// requestFragment bounds the canonical <Request>...</Request> slice of
// a notification XML, the exact bytes the response signature covers.
const requestOpenTag = "<Request"
const requestCloseTag = "</Request>"

// RedsysService builds signed outbound requests for the card gateway
// and authenticates its responses. It holds no order state; all order
// transitions happen on the records it is handed.
type RedsysService struct {
	cfg    RedsysConfig
	engine *SignatureEngine
	client *http.Client
	logger *log.Logger
}

// NewRedsysService wires the signature engine and an HTTP client
// pinned to TLS 1.2 with the configured timeout.
func NewRedsysService(cfg RedsysConfig, logger *log.Logger) (*RedsysService, error) {
	engine, err := NewSignatureEngine(cfg.SecretKeyBase64)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	return &RedsysService{cfg: cfg, engine: engine, client: client, logger: logger}, nil
}

// Engine exposes the signature engine for response verification.
func (s *RedsysService) Engine() *SignatureEngine { return s.engine }

// MerchantURL is the callback the gateway notifies asynchronously. It
// embeds the order reference and both owner ids; renewals carry none
// because the direct charge answers synchronously.
func (s *RedsysService) MerchantURL(order *models.Order, now time.Time) string {
	if !order.First {
		return ""
	}
	q := url.Values{}
	q.Set("redsys_order_id", order.GatewayReference(now))
	q.Set("user_id", strconv.FormatUint(uint64(order.UserID), 10))
	q.Set("parent_id", strconv.FormatUint(uint64(order.ParentID), 10))
	return fmt.Sprintf("%s/orders/callback/redsys?%s", s.cfg.CallbackBaseURL, q.Encode())
}

// RawParams builds the merchant parameter set for an order. First
// payments run the browser redirect flow and request a card-on-file
// token; renewals charge the stored token directly.
func (s *RedsysService) RawParams(order *models.Order, parent models.NotificationPort, now time.Time) (map[string]string, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	params := map[string]string{
		"Ds_Merchant_Amount":          strconv.Itoa(order.Amount),
		"Ds_Merchant_Currency":        s.cfg.Currency,
		"Ds_Merchant_MerchantCode":    s.cfg.MerchantCode,
		"Ds_Merchant_MerchantName":    s.cfg.MerchantName,
		"Ds_Merchant_Terminal":        s.cfg.Terminal,
		"Ds_Merchant_TransactionType": s.cfg.TransactionType,
		"Ds_Merchant_PayMethods":      s.cfg.PayMethods,
		"Ds_Merchant_MerchantData":    parent.OwnerIdentity(),
		"Ds_Merchant_MerchantURL":     s.MerchantURL(order, now),
		"Ds_Merchant_Order":           order.GatewayReference(now),
	}
	if order.First {
		params["Ds_Merchant_Identifier"] = s.cfg.Identifier
		params["Ds_Merchant_UrlOK"] = parent.OkRedirectURL()
		params["Ds_Merchant_UrlKO"] = parent.KoRedirectURL()
	} else {
		if order.PaymentIdentifier == "" {
			return nil, &models.ValidationError{Field: "payment_identifier", Reason: "renewal without stored card token"}
		}
		params["Ds_Merchant_Identifier"] = order.PaymentIdentifier
		params["Ds_Merchant_DirectPayment"] = "true"
	}

	upper := make(map[string]string, len(params))
	for k, v := range params {
		upper[strings.ToUpper(k)] = v
	}
	return upper, nil
}

// MerchantParameters serializes the raw parameters to the single
// Base64 JSON blob the envelope carries.
func (s *RedsysService) MerchantParameters(order *models.Order, parent models.NotificationPort, now time.Time) (string, error) {
	raw, err := s.RawParams(order, parent, now)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// RequestSignature signs the merchant parameter blob under the key
// derived for the order reference.
func (s *RedsysService) RequestSignature(orderRef, merchantParams string) (string, error) {
	key, err := s.engine.DeriveKey(orderRef)
	if err != nil {
		return "", err
	}
	return s.engine.Sign(key, []byte(merchantParams)), nil
}

// RequestParams builds the full signed request envelope.
func (s *RedsysService) RequestParams(order *models.Order, parent models.NotificationPort, now time.Time) (url.Values, error) {
	blob, err := s.MerchantParameters(order, parent, now)
	if err != nil {
		return nil, err
	}
	signature, err := s.RequestSignature(order.GatewayReference(now), blob)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("Ds_SignatureVersion", "HMAC_SHA256_V1")
	values.Set("Ds_MerchantParameters", blob)
	values.Set("Ds_Signature", signature)
	return values, nil
}

// ResponseSignature recomputes the signature a genuine notification
// must carry: the HMAC over the <Request>...</Request> fragment of the
// raw XML under the order's derived key.
func (s *RedsysService) ResponseSignature(orderRef, rawXML string) (string, error) {
	start := strings.Index(rawXML, requestOpenTag)
	if start < 0 {
		return "", &GatewayProtocolError{Body: rawXML, Err: fmt.Errorf("no %s fragment in notification", requestOpenTag)}
	}
	end := strings.Index(rawXML[start:], requestCloseTag)
	if end < 0 {
		return "", &GatewayProtocolError{Body: rawXML, Err: fmt.Errorf("unterminated %s fragment", requestOpenTag)}
	}
	fragment := rawXML[start : start+end+len(requestCloseTag)]

	key, err := s.engine.DeriveKey(orderRef)
	if err != nil {
		return "", err
	}
	return s.engine.Sign(key, []byte(fragment)), nil
}

// SendDirectCharge runs the server-to-server renewal charge: POST the
// signed envelope and settle the order from the literal markers of the
// response body. On a transport failure the order is left untouched so
// the caller can retry the same attempt under the same reference; an
// unparseable body is an error outcome, recorded raw.
func (s *RedsysService) SendDirectCharge(ctx context.Context, order *models.Order, parent models.NotificationPort) error {
	now := time.Now()
	values, err := s.RequestParams(order, parent, now)
	if err != nil {
		return err
	}

	s.logger.Infoj(log.JSON{
		"event":     "direct_charge_request",
		"order_id":  order.ID,
		"order_ref": order.GatewayReference(now),
		"parent":    order.ParentID,
		"user":      order.UserID,
		"amount":    order.Amount,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.PostURL, strings.NewReader(values.Encode()))
	if err != nil {
		return &GatewayTransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return &GatewayTransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayTransportError{Err: err}
	}

	matches := directChargeMarkers.FindAllStringSubmatch(string(body), -1)
	markers := make([]string, 0, len(matches))
	for _, m := range matches {
		markers = append(markers, m[1])
	}

	s.logger.Infoj(log.JSON{
		"event":     "direct_charge_response",
		"order_id":  order.ID,
		"order_ref": order.GatewayReference(now),
		"status":    resp.StatusCode,
		"markers":   markers,
		"body":      string(body),
	})

	if len(markers) == 0 {
		order.ApplyDirectChargeResponse(nil, now, parent)
		return &GatewayProtocolError{Body: string(body), Err: fmt.Errorf("no status markers in direct charge response")}
	}

	order.ApplyDirectChargeResponse(markers, now, parent)
	return nil
}

// soapEnvelopePrefix and soapEnvelopeSuffix wrap the escaped message of
// the synchronous acknowledgment. The structure is byte-compatible with
// the gateway's notification contract.
const soapEnvelopePrefix = `<?xml version='1.0' encoding='UTF-8'?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema">
<SOAP-ENV:Body>
<ns1:procesaNotificacionSIS xmlns:ns1="InotificacionSIS" SOAP-ENV:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<return xsi:type="xsd:string">`

const soapEnvelopeSuffix = "</return>\n</ns1:procesaNotificacionSIS>\n</SOAP-ENV:Body>\n</SOAP-ENV:Envelope>"

// CallbackAck formats the synchronous SOAP acknowledgment for a
// notification: OK when the order settled, KO otherwise, signed under
// the order's derived key.
func (s *RedsysService) CallbackAck(order *models.Order, now time.Time) (string, error) {
	status := "KO"
	if order.IsPaid() {
		status = "OK"
	}
	response := fmt.Sprintf("<Response Ds_Version='0.0'><Ds_Response_Merchant>%s</Ds_Response_Merchant></Response>", status)

	key, err := s.engine.DeriveKey(order.GatewayReference(now))
	if err != nil {
		return "", err
	}
	signature := s.engine.Sign(key, []byte(response))

	message := fmt.Sprintf("<Message>%s<Signature>%s</Signature></Message>", response, signature)
	return soapEnvelopePrefix + html.EscapeString(message) + soapEnvelopeSuffix, nil
}
