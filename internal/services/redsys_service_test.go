package services

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"colabora_app_echo/internal/models"
)

type stubPort struct{}

func (stubPort) PaymentProcessed(*models.Order)                            {}
func (stubPort) ReturnProcessed(isError, isWarning, isErrorSeverity bool) {}
func (stubPort) OkRedirectURL() string                                    { return "https://example.org/ok" }
func (stubPort) KoRedirectURL() string                                    { return "https://example.org/ko" }
func (stubPort) OwnerIdentity() string                                    { return "7" }

func testRedsysService(t *testing.T) *RedsysService {
	t.Helper()
	svc, err := NewRedsysService(RedsysConfig{
		PostURL:         "https://sis-t.example/trataPeticion",
		MerchantCode:    "999008881",
		MerchantName:    "ASOC TEST",
		Terminal:        "1",
		Currency:        "978",
		TransactionType: "0",
		PayMethods:      "T",
		Identifier:      "REQUIRED",
		SecretKeyBase64: testSecret,
		CallbackBaseURL: "https://example.org",
		Timeout:         5 * time.Second,
	}, log.New("test"))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func firstOrder() *models.Order {
	return &models.Order{
		ParentKind:  models.ParentKindCollaboration,
		ParentID:    42,
		UserID:      7,
		PaymentRail: models.PaymentRailCreditCard,
		Amount:      500,
		PayableAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		First:       true,
	}
}

func renewalOrder() *models.Order {
	return &models.Order{
		ID:                9,
		ParentKind:        models.ParentKindCollaboration,
		ParentID:          42,
		UserID:            7,
		PaymentRail:       models.PaymentRailCreditCard,
		Amount:            500,
		PayableAt:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PaymentIdentifier: "tok-123",
	}
}

func TestRawParamsFirstPayment(t *testing.T) {
	svc := testRedsysService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	params, err := svc.RawParams(firstOrder(), stubPort{}, now)
	if err != nil {
		t.Fatal(err)
	}

	for key := range params {
		if key != strings.ToUpper(key) {
			t.Errorf("parameter key %q is not upper case", key)
		}
	}

	if params["DS_MERCHANT_AMOUNT"] != "500" {
		t.Errorf("amount = %q", params["DS_MERCHANT_AMOUNT"])
	}
	if params["DS_MERCHANT_IDENTIFIER"] != "REQUIRED" {
		t.Errorf("first payment must request a card-on-file token, got %q", params["DS_MERCHANT_IDENTIFIER"])
	}
	if params["DS_MERCHANT_URLOK"] != "https://example.org/ok" || params["DS_MERCHANT_URLKO"] != "https://example.org/ko" {
		t.Error("redirect URLs not wired from the owner")
	}
	if _, present := params["DS_MERCHANT_DIRECTPAYMENT"]; present {
		t.Error("first payment must not be a direct payment")
	}

	ref := params["DS_MERCHANT_ORDER"]
	if len(ref) != 12 || !strings.HasPrefix(ref, "0000042C") {
		t.Errorf("order reference = %q", ref)
	}
	if !strings.Contains(params["DS_MERCHANT_MERCHANTURL"], "redsys_order_id="+ref) {
		t.Errorf("callback URL does not carry the reference: %q", params["DS_MERCHANT_MERCHANTURL"])
	}
}

func TestRawParamsRenewal(t *testing.T) {
	svc := testRedsysService(t)
	now := time.Now()

	params, err := svc.RawParams(renewalOrder(), stubPort{}, now)
	if err != nil {
		t.Fatal(err)
	}

	if params["DS_MERCHANT_IDENTIFIER"] != "tok-123" {
		t.Errorf("renewal must charge the stored token, got %q", params["DS_MERCHANT_IDENTIFIER"])
	}
	if params["DS_MERCHANT_DIRECTPAYMENT"] != "true" {
		t.Error("renewal must be flagged as a direct payment")
	}
	if params["DS_MERCHANT_ORDER"] != "000000000009" {
		t.Errorf("persisted renewal reference = %q", params["DS_MERCHANT_ORDER"])
	}
	if params["DS_MERCHANT_MERCHANTURL"] != "" {
		t.Errorf("renewals answer synchronously, callback URL = %q", params["DS_MERCHANT_MERCHANTURL"])
	}

	missing := renewalOrder()
	missing.PaymentIdentifier = ""
	if _, err := svc.RawParams(missing, stubPort{}, now); err == nil {
		t.Error("renewal without a stored token accepted")
	}
}

func TestRequestParamsEnvelope(t *testing.T) {
	svc := testRedsysService(t)
	now := time.Now()
	order := renewalOrder()

	values, err := svc.RequestParams(order, stubPort{}, now)
	if err != nil {
		t.Fatal(err)
	}

	if values.Get("Ds_SignatureVersion") != "HMAC_SHA256_V1" {
		t.Errorf("signature version = %q", values.Get("Ds_SignatureVersion"))
	}

	blob := values.Get("Ds_MerchantParameters")
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("merchant parameters are not base64: %v", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(decoded, &raw); err != nil {
		t.Fatalf("merchant parameters are not a JSON object: %v", err)
	}
	if raw["DS_MERCHANT_ORDER"] != order.GatewayReference(now) {
		t.Error("envelope and order disagree about the reference")
	}

	// The signature must verify under the key derived for the order.
	key, err := svc.Engine().DeriveKey(order.GatewayReference(now))
	if err != nil {
		t.Fatal(err)
	}
	if !svc.Engine().Verify(values.Get("Ds_Signature"), key, []byte(blob)) {
		t.Error("envelope signature does not verify")
	}
}

const notificationXML = `<Message><Request Ds_Version="0.0"><Fecha>01/02/2026</Fecha><Hora>10:30</Hora><Ds_Order>000000000009</Ds_Order><Ds_Response>0000</Ds_Response></Request><Signature>abc123</Signature></Message>`

func TestResponseSignature(t *testing.T) {
	svc := testRedsysService(t)

	sig, err := svc.ResponseSignature("000000000009", notificationXML)
	if err != nil {
		t.Fatal(err)
	}

	// The signature covers exactly the <Request>...</Request> bytes.
	fragment := notificationXML[strings.Index(notificationXML, "<Request"):strings.Index(notificationXML, "</Request>")+len("</Request>")]
	key, err := svc.Engine().DeriveKey("000000000009")
	if err != nil {
		t.Fatal(err)
	}
	if want := svc.Engine().Sign(key, []byte(fragment)); sig != want {
		t.Errorf("ResponseSignature = %q; want %q", sig, want)
	}

	if _, err := svc.ResponseSignature("000000000009", "<Message>no request here</Message>"); err == nil {
		t.Error("XML without a Request fragment accepted")
	}
}

func TestCallbackAck(t *testing.T) {
	svc := testRedsysService(t)
	now := time.Now()

	paidAt := now
	paid := renewalOrder()
	paid.Status = models.OrderStatusPaid
	paid.PaidAt = &paidAt

	ack, err := svc.CallbackAck(paid, now)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(ack, "<?xml version='1.0' encoding='UTF-8'?>") {
		t.Error("ack is not an XML document")
	}
	if !strings.Contains(ack, `<ns1:procesaNotificacionSIS xmlns:ns1="InotificacionSIS"`) {
		t.Error("ack misses the notification operation element")
	}
	// The message payload is HTML-escaped inside the return element.
	if !strings.Contains(ack, "&lt;Ds_Response_Merchant&gt;OK&lt;/Ds_Response_Merchant&gt;") {
		t.Errorf("settled order must ack OK:\n%s", ack)
	}
	if !strings.Contains(ack, "&lt;Signature&gt;") {
		t.Error("ack payload is not signed")
	}

	failed := renewalOrder()
	failed.Status = models.OrderStatusError
	ack, err = svc.CallbackAck(failed, now)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ack, "&lt;Ds_Response_Merchant&gt;KO&lt;/Ds_Response_Merchant&gt;") {
		t.Errorf("failed order must ack KO:\n%s", ack)
	}

	// A warned order was accepted by the rail; telling the gateway KO
	// would make it retry a charge that already went through.
	warned := renewalOrder()
	warned.Status = models.OrderStatusWarning
	ack, err = svc.CallbackAck(warned, now)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ack, "&lt;Ds_Response_Merchant&gt;OK&lt;/Ds_Response_Merchant&gt;") {
		t.Errorf("warned order must ack OK:\n%s", ack)
	}
}

func TestDirectChargeMarkers(t *testing.T) {
	body := `<html><body><!-- RSisReciboOK --><p>recibo</p><!-- 0 --></body></html>`
	matches := directChargeMarkers.FindAllStringSubmatch(body, -1)
	if len(matches) != 2 {
		t.Fatalf("found %d markers; want 2", len(matches))
	}
	if matches[0][1] != "RSisReciboOK" || matches[1][1] != "0" {
		t.Errorf("markers = %q, %q", matches[0][1], matches[1][1])
	}
}
