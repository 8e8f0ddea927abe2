package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// recordingPort counts engine notifications so tests can assert the
// exactly-once contract.
type recordingPort struct {
	payments int
	returns  int

	lastOrder   *Order
	lastError   bool
	lastWarning bool
	lastFatal   bool
}

func (p *recordingPort) PaymentProcessed(order *Order) {
	p.payments++
	p.lastOrder = order
}

func (p *recordingPort) ReturnProcessed(isError, isWarning, isErrorSeverity bool) {
	p.returns++
	p.lastError = isError
	p.lastWarning = isWarning
	p.lastFatal = isErrorSeverity
}

func (p *recordingPort) OkRedirectURL() string { return "https://example.org/ok" }
func (p *recordingPort) KoRedirectURL() string { return "https://example.org/ko" }
func (p *recordingPort) OwnerIdentity() string { return "7" }

func TestGatewayReferenceDerived(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	order := &Order{
		ParentKind:  ParentKindCollaboration,
		ParentID:    42,
		PaymentRail: PaymentRailCreditCard,
		Amount:      500,
		PayableAt:   now,
		First:       true,
	}

	ref := order.GatewayReference(now)
	if len(ref) != 12 {
		t.Fatalf("reference %q has length %d; want 12", ref, len(ref))
	}
	if ref[:8] != "0000042C" {
		t.Errorf("reference %q does not start with zero-padded parent id and kind letter", ref)
	}

	// The reference must survive the clock moving: retries reuse it.
	later := now.Add(3 * time.Hour)
	if again := order.GatewayReference(later); again != ref {
		t.Errorf("reference changed across calls: %q then %q", ref, again)
	}
}

func TestGatewayReferencePersisted(t *testing.T) {
	order := &Order{ID: 7, ParentKind: ParentKindCollaboration, ParentID: 42}
	if ref := order.GatewayReference(time.Now()); ref != "000000000007" {
		t.Errorf("persisted order reference = %q; want 000000000007", ref)
	}
}

func TestGatewayReferenceEchoed(t *testing.T) {
	stored, _ := json.Marshal(map[string]string{"Ds_Order": "0000042C9f2k"})
	order := &Order{ID: 7, ParentKind: ParentKindCollaboration, ParentID: 42, PaymentResponse: stored}
	if ref := order.GatewayReference(time.Now()); ref != "0000042C9f2k" {
		t.Errorf("order did not reuse the echoed reference: got %q", ref)
	}
}

func TestParentFromReference(t *testing.T) {
	tests := []struct {
		name     string
		ref      string
		wantKind ParentKind
		wantID   uint
		wantErr  bool
	}{
		{name: "collaboration", ref: "0000042C9f2k", wantKind: ParentKindCollaboration, wantID: 42},
		{name: "microcredit", ref: "0001301Mab3z", wantKind: ParentKindMicrocredit, wantID: 1301},
		{name: "unknown letter", ref: "0000042X9f2k", wantErr: true},
		{name: "too short", ref: "0042C", wantErr: true},
		{name: "non numeric id", ref: "00x0042C9f2k", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id, err := ParentFromReference(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParentFromReference(%q) error = %v; wantErr %v", tt.ref, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if kind != tt.wantKind || id != tt.wantID {
				t.Errorf("ParentFromReference(%q) = %v, %d; want %v, %d", tt.ref, kind, id, tt.wantKind, tt.wantID)
			}
		})
	}
}

func TestMarkPaidNotifiesOnce(t *testing.T) {
	port := &recordingPort{}
	order := &Order{Status: OrderStatusCharging, PaymentRail: PaymentRailBankIBAN}
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if !order.MarkPaid(at, port) {
		t.Fatal("MarkPaid refused a charging order")
	}
	if order.Status != OrderStatusPaid || order.PaidAt == nil || !order.PaidAt.Equal(at) {
		t.Errorf("order not settled: status=%d paid_at=%v", order.Status, order.PaidAt)
	}
	if port.payments != 1 {
		t.Fatalf("owner notified %d times; want 1", port.payments)
	}

	// A duplicated delivery must not notify again.
	if order.MarkPaid(at.Add(time.Minute), port) {
		t.Error("MarkPaid transitioned an already paid order")
	}
	if port.payments != 1 {
		t.Errorf("owner notified %d times after duplicate; want 1", port.payments)
	}
}

func TestProcessReturn(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		wantStatus OrderStatus
		wantError  bool
		wantWarn   bool
		wantFatal  bool
	}{
		{name: "blocked account is fatal", code: "AC06", wantStatus: OrderStatusError, wantError: true, wantFatal: true},
		{name: "closed account is fatal", code: "AC04", wantStatus: OrderStatusError, wantError: true, wantFatal: true},
		{name: "unspecified reason stays returned", code: "MS03", wantStatus: OrderStatusReturned},
		{name: "insufficient funds stays returned", code: "AM04", wantStatus: OrderStatusReturned},
		{name: "lowercase code is normalized", code: "ac06", wantStatus: OrderStatusError, wantError: true, wantFatal: true},
		{name: "unknown code stays returned", code: "ZZ99", wantStatus: OrderStatusReturned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &recordingPort{}
			order := &Order{Status: OrderStatusCharging, PaymentRail: PaymentRailBankIBAN}

			if !order.ProcessReturn(tt.code, port) {
				t.Fatal("ProcessReturn refused a charging order")
			}
			if order.Status != tt.wantStatus {
				t.Errorf("status = %d; want %d", order.Status, tt.wantStatus)
			}
			if port.returns != 1 {
				t.Fatalf("owner notified %d times; want 1", port.returns)
			}
			if port.lastError != tt.wantError || port.lastWarning != tt.wantWarn || port.lastFatal != tt.wantFatal {
				t.Errorf("flags = (%v, %v, %v); want (%v, %v, %v)",
					port.lastError, port.lastWarning, port.lastFatal,
					tt.wantError, tt.wantWarn, tt.wantFatal)
			}
		})
	}
}

func TestProcessReturnTerminalNoOp(t *testing.T) {
	port := &recordingPort{}
	paidAt := time.Now()
	order := &Order{Status: OrderStatusPaid, PaidAt: &paidAt}

	if order.ProcessReturn("AC06", port) {
		t.Error("ProcessReturn transitioned a paid order")
	}
	if port.returns != 0 {
		t.Errorf("owner notified %d times for a no-op; want 0", port.returns)
	}
}

func callbackParams(now time.Time, response string) map[string]string {
	local := now.In(gatewayTimeZone)
	return map[string]string{
		"Ds_Response": response,
		"Ds_Order":    "0000042C9f2k",
		"Fecha":       local.Format("02/01/2006"),
		"Hora":        local.Format("15:04"),
	}
}

func TestParseGatewayCallbackPaid(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	port := &recordingPort{}
	order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard, First: true}

	params := callbackParams(now, "0000")
	params["Ds_Signature"] = "expected-signature"
	params["Ds_Merchant_Identifier"] = "tok-123"

	err := order.ParseGatewayCallback(params, "expected-signature", nil, now, port)
	if err != nil {
		t.Fatalf("unexpected verdict: %v", err)
	}
	if order.Status != OrderStatusPaid {
		t.Errorf("status = %d; want paid", order.Status)
	}
	if order.PaidAt == nil || !order.PaidAt.Equal(now) {
		t.Errorf("paid_at = %v; want %v", order.PaidAt, now)
	}
	if order.PaymentIdentifier != "tok-123" {
		t.Errorf("token not captured: %q", order.PaymentIdentifier)
	}
	if port.payments != 1 {
		t.Errorf("owner notified %d times; want 1", port.payments)
	}
}

func TestParseGatewayCallbackStaleDate(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	port := &recordingPort{}
	order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard, First: true}

	params := callbackParams(now.Add(-2*time.Hour), "0000")
	params["Ds_Signature"] = "expected-signature"

	err := order.ParseGatewayCallback(params, "expected-signature", nil, now, port)
	if !errors.Is(err, ErrReplayWindow) {
		t.Fatalf("verdict = %v; want ErrReplayWindow", err)
	}
	if order.Status != OrderStatusWarning {
		t.Errorf("status = %d; want warning", order.Status)
	}
	if order.PaidAt != nil {
		t.Error("stale callback must never set paid_at")
	}
	// The rail did accept the charge; the gateway must still see the
	// order as settled even though the callback could not be trusted.
	if !order.IsPaid() {
		t.Error("a warned order must count as settled")
	}
	if port.payments != 1 {
		t.Errorf("owner notified %d times; want 1", port.payments)
	}
}

func TestParseGatewayCallbackBadSignature(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	port := &recordingPort{}
	order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard, First: true}

	params := callbackParams(now, "0000")
	params["Ds_Signature"] = "forged"

	err := order.ParseGatewayCallback(params, "expected-signature", nil, now, port)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("verdict = %v; want ErrSignatureMismatch", err)
	}
	if order.Status != OrderStatusWarning {
		t.Errorf("status = %d; want warning", order.Status)
	}
}

func TestParseGatewayCallbackMissingDate(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	port := &recordingPort{}
	order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard, First: true}

	params := map[string]string{"Ds_Response": "0000", "Ds_Signature": "sig"}

	err := order.ParseGatewayCallback(params, "sig", nil, now, port)
	if err == nil {
		t.Fatal("callback without a payment date must not settle silently")
	}
	if order.Status != OrderStatusWarning {
		t.Errorf("status = %d; want warning", order.Status)
	}
}

func TestParseGatewayCallbackDeclined(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	port := &recordingPort{}
	order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard, First: true}

	err := order.ParseGatewayCallback(callbackParams(now, "0180"), "", nil, now, port)
	if err != nil {
		t.Fatalf("a numeric decline is not a verdict error, got %v", err)
	}
	if order.Status != OrderStatusError {
		t.Errorf("status = %d; want error", order.Status)
	}
	if port.payments != 1 {
		t.Errorf("owner notified %d times; want 1", port.payments)
	}
}

func TestParseGatewayCallbackMalformedCode(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	port := &recordingPort{}
	order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard, First: true}

	err := order.ParseGatewayCallback(callbackParams(now, "SIS0298"), "", nil, now, port)
	if err == nil {
		t.Fatal("a non-numeric response code must be an explicit error")
	}
	if order.Status != OrderStatusError {
		t.Errorf("status = %d; want error", order.Status)
	}
}

func TestParseGatewayCallbackTerminalNoOp(t *testing.T) {
	now := time.Now()
	port := &recordingPort{}
	paidAt := now.Add(-time.Hour)
	order := &Order{Status: OrderStatusPaid, PaidAt: &paidAt}

	if err := order.ParseGatewayCallback(callbackParams(now, "0000"), "", nil, now, port); err != nil {
		t.Fatalf("duplicate delivery on a settled order returned %v", err)
	}
	if port.payments != 0 {
		t.Errorf("owner notified %d times for a no-op; want 0", port.payments)
	}
}

func TestApplyDirectChargeResponse(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	t.Run("success marker settles", func(t *testing.T) {
		port := &recordingPort{}
		order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard}
		order.ApplyDirectChargeResponse([]string{"RSisReciboOK", "0"}, now, port)
		if order.Status != OrderStatusPaid || order.PaidAt == nil {
			t.Errorf("order not settled: status=%d", order.Status)
		}
		if port.payments != 1 {
			t.Errorf("owner notified %d times; want 1", port.payments)
		}
	})

	t.Run("decline markers are an error", func(t *testing.T) {
		port := &recordingPort{}
		order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard}
		order.ApplyDirectChargeResponse([]string{"RSisReciboKO", "180"}, now, port)
		if order.Status != OrderStatusError {
			t.Errorf("status = %d; want error", order.Status)
		}
	})

	t.Run("empty body is an error", func(t *testing.T) {
		port := &recordingPort{}
		order := &Order{Status: OrderStatusNew, PaymentRail: PaymentRailCreditCard}
		order.ApplyDirectChargeResponse(nil, now, port)
		if order.Status != OrderStatusError {
			t.Errorf("status = %d; want error", order.Status)
		}
	})
}

func TestCardExpiration(t *testing.T) {
	stored, _ := json.Marshal(map[string]string{"Ds_ExpiryDate": "2512"})
	order := &Order{First: true, PaymentResponse: stored}

	exp, err := order.CardExpiration()
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	if !exp.Equal(want) {
		t.Errorf("expiration = %v; want %v", exp, want)
	}

	renewal := &Order{First: false, PaymentResponse: stored}
	if _, err := renewal.CardExpiration(); err == nil {
		t.Error("renewal orders carry no expiry to derive")
	}
}

func TestParsePaymentDate(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		want    time.Time
		wantErr bool
	}{
		{
			name:   "legacy Fecha Hora pair",
			params: map[string]string{"Fecha": "01/02/2026", "Hora": "10:30"},
			want:   time.Date(2026, 2, 1, 10, 30, 0, 0, gatewayTimeZone),
		},
		{
			name:   "Ds_Date Ds_Hour pair",
			params: map[string]string{"Ds_Date": "01/02/2026", "Ds_Hour": "10:30"},
			want:   time.Date(2026, 2, 1, 10, 30, 0, 0, gatewayTimeZone),
		},
		{
			name:    "missing hour",
			params:  map[string]string{"Fecha": "01/02/2026"},
			wantErr: true,
		},
		{
			name:    "garbage date",
			params:  map[string]string{"Fecha": "bogus", "Hora": "10:30"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePaymentDate(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePaymentDate() error = %v; wantErr %v", err, tt.wantErr)
			}
			if err == nil && !got.Equal(tt.want) {
				t.Errorf("ParsePaymentDate() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestOrderValidate(t *testing.T) {
	base := func() *Order {
		return &Order{
			ParentKind:  ParentKindCollaboration,
			ParentID:    1,
			PaymentRail: PaymentRailBankIBAN,
			Amount:      1000,
			PayableAt:   time.Now(),
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Order)
	}{
		{name: "zero amount", mutate: func(o *Order) { o.Amount = 0 }},
		{name: "negative amount", mutate: func(o *Order) { o.Amount = -5 }},
		{name: "unknown rail", mutate: func(o *Order) { o.PaymentRail = 9 }},
		{name: "missing cycle date", mutate: func(o *Order) { o.PayableAt = time.Time{} }},
		{name: "unknown parent kind", mutate: func(o *Order) { o.ParentKind = "plan" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := base()
			tt.mutate(order)
			var verr *ValidationError
			if err := order.Validate(); !errors.As(err, &verr) {
				t.Errorf("Validate() = %v; want a ValidationError", err)
			}
		})
	}
}

func TestDueCode(t *testing.T) {
	if got := (&Order{First: true}).DueCode(); got != "FRST" {
		t.Errorf("first order due code = %q; want FRST", got)
	}
	if got := (&Order{}).DueCode(); got != "RCUR" {
		t.Errorf("renewal due code = %q; want RCUR", got)
	}
}
