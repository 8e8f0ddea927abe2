package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SEPAReason classifies an ISO 20022 return code: whether it should
// permanently suspend the recurring collection (Error), merely warn the
// owner (Warn), and how to describe it to an operator.
type SEPAReason struct {
	Error bool
	Warn  bool
	Text  string
}

// fatalReturnCodes are the return codes that put the order itself in
// the error state instead of the returned state.
var fatalReturnCodes = map[string]bool{
	"AC01": true,
	"AC04": true,
	"AC06": true,
	"SL01": true,
}

// IsFatalReturnCode reports whether a SEPA return code ends the order
// in the error state.
func IsFatalReturnCode(code string) bool {
	return fatalReturnCodes[strings.ToUpper(strings.TrimSpace(code))]
}

// sepaReturnedReasons is the single source of truth for how a returned
// bank debit affects the owning subscription.
var sepaReturnedReasons = map[string]SEPAReason{
	"AC01": {Error: true, Warn: true, Text: "El IBAN o BIN son incorrectos."},
	"AC04": {Error: true, Text: "La cuenta ha sido cerrada."},
	"AC06": {Error: true, Text: "Cuenta bloqueada."},
	"AC13": {Error: true, Warn: true, Text: "Cuenta de cliente no apta para operaciones entre comercios."},
	"AG01": {Error: true, Text: "Cuenta de ahorro, no admite recibos."},
	"AG02": {Error: false, Warn: true, Text: "Código de pago incorrecto (ejemplo: RCUR sin FRST previo)."},
	"AM04": {Error: false, Text: "Fondos insuficientes."},
	"AM05": {Error: false, Warn: true, Text: "Orden duplicada (ID repetido o dos operaciones FRST)."},
	"BE01": {Error: true, Text: "El nombre dado no coincide con el titular de la cuenta."},
	"BE05": {Error: false, Text: "Creditor Identifier incorrecto."},
	"FF01": {Error: false, Warn: true, Text: "Código de transacción incorrecto o formato de fichero inválido."},
	"FF05": {Error: false, Warn: true, Text: "Tipo de 'Direct Debit' incorrecto."},
	"MD01": {Error: false, Text: "Transacción no autorizada."},
	"MD02": {Error: false, Text: "Información del cliente incompleta o incorrecta."},
	"MD06": {Error: false, Text: "El cliente reclama no haber autorizado esta orden (hasta 8 semanas de plazo)."},
	"MD07": {Error: true, Text: "El titular de la cuenta ha muerto."},
	"MS02": {Error: false, Text: "El cliente ha devuelto esta orden."},
	"MS03": {Error: false, Text: "Razón no especificada por el banco."},
	"RC01": {Error: true, Warn: true, Text: "El código BIC provisto es incorrecto."},
	"RR01": {Error: true, Warn: true, Text: "La identificación del titular de la cuenta requerida legalmente es insuficiente o inexistente."},
	"RR02": {Error: true, Warn: true, Text: "El nombre o la dirección del cliente requerida legalmente es insuficiente o inexistente."},
	"RR03": {Error: false, Warn: true, Text: "El nombre o la dirección del cliente requerida legalmente es insuficiente o inexistente."},
	"RR04": {Error: true, Warn: true, Text: "Motivos legales. Contactar al banco para más información."},
	"SL01": {Error: true, Text: "Cobro bloqueado a entidad por lista negra o ausencia en lista de cobros autorizados."},
}

// genericReturnedText describes a return whose code is absent from the
// taxonomy; such orders stay returned and are flagged for follow-up.
const genericReturnedText = "Orden devuelta"

// ClassifyReturn looks up a SEPA return code. Unknown codes classify as
// neither error nor warning with the generic returned text.
func ClassifyReturn(code string) (SEPAReason, bool) {
	reason, ok := sepaReturnedReasons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return SEPAReason{Text: genericReturnedText}, false
	}
	return reason, true
}

// ErrorMessage builds the operator-facing description of a failed or
// returned order, picking the table that matches its payment rail.
func (o *Order) ErrorMessage() string {
	if o.IsCreditCard() {
		return o.GatewayStatusText()
	}
	return o.BankStatusText()
}

// BankStatusText renders the stored bank return code through the SEPA
// table.
func (o *Order) BankStatusText() string {
	switch o.Status {
	case OrderStatusError:
		return "Error"
	case OrderStatusReturned:
		code := o.storedReturnCode()
		if code == "" {
			return genericReturnedText
		}
		if reason, ok := sepaReturnedReasons[code]; ok {
			return fmt.Sprintf("%s: %s", code, reason.Text)
		}
		return code
	}
	return ""
}

func (o *Order) storedReturnCode() string {
	if len(o.PaymentResponse) == 0 {
		return ""
	}
	var code string
	if err := json.Unmarshal(o.PaymentResponse, &code); err != nil {
		return ""
	}
	return code
}

// gatewayLiteralStatus are the SIS error literals the gateway reports
// for misconfigured card-on-file requests.
var gatewayLiteralStatus = map[string]string{
	"SIS0298": "El comercio no permite realizar operaciones de Tarjeta en Archivo.",
	"SIS0319": "El comercio no pertenece al grupo especificado en Ds_Merchant_Group.",
	"SIS0321": "La referencia indicada en Ds_Merchant_Identifier no está asociada al comercio.",
	"SIS0322": "Error de formato en Ds_Merchant_Group.",
	"SIS0325": "Se ha pedido no mostrar pantallas pero no se ha enviado ninguna referencia de tarjeta.",
}

// gatewayNumericStatus are the numeric decline codes the gateway
// reports on card charges.
var gatewayNumericStatus = map[int]string{
	900:  "Transacción autorizada para devoluciones y confirmaciones",
	101:  "Tarjeta caducada",
	102:  "Tarjeta en excepción transitoria o bajo sospecha de fraude",
	104:  "Operación no permitida para esa tarjeta o terminal",
	9104: "Operación no permitida para esa tarjeta o terminal",
	116:  "Disponible insuficiente",
	118:  "Tarjeta no registrada",
	129:  "Código de seguridad (CVV2/CVC2) incorrecto",
	180:  "Tarjeta ajena al servicio",
	184:  "Error en la autenticación del titular",
	190:  "Denegación sin especificar Motivo",
	191:  "Fecha de caducidad errónea",
	202:  "Tarjeta en excepción transitoria o bajo sospecha de fraude con retirada de tarjeta",
	912:  "Emisor no disponible",
	9912: "Emisor no disponible",
}

// GatewayStatusText renders the last card-gateway response as operator
// text. First payments store a parameter map and report Ds_Response;
// renewals store the markers of the direct-charge body and report the
// last one.
func (o *Order) GatewayStatusText() string {
	if o.Status == OrderStatusReturned {
		return genericReturnedText
	}

	code := o.gatewayResponseCode()
	if code == "" {
		return "Transacción no procesada"
	}
	return fmt.Sprintf("%s: %s", code, gatewayStatusMessage(code))
}

func (o *Order) gatewayResponseCode() string {
	if len(o.PaymentResponse) == 0 {
		return ""
	}
	if o.First {
		var params map[string]any
		if err := json.Unmarshal(o.PaymentResponse, &params); err != nil {
			return ""
		}
		code, _ := params["Ds_Response"].(string)
		return code
	}
	var markers []string
	if err := json.Unmarshal(o.PaymentResponse, &markers); err != nil || len(markers) == 0 {
		return ""
	}
	return markers[len(markers)-1]
}

func gatewayStatusMessage(code string) string {
	if msg, ok := gatewayLiteralStatus[code]; ok {
		return msg
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return "Transacción denegada"
	}
	if n >= 0 && n <= 99 {
		return "Transacción autorizada para pagos y preautorizaciones"
	}
	if msg, ok := gatewayNumericStatus[n]; ok {
		return msg
	}
	return "Transacción denegada"
}
