package arcatest

import (
	"fmt"
	"strings"
)

func wsfeResponse(op, result string) string {
	return Envelope(fmt.Sprintf(`<%sResponse xmlns="http://ar.gov.afip.dif.FEV1/"><%sResult>%s</%sResult></%sResponse>`,
		op, op, result, op, op))
}

// Errors renders a WSFE Errors block.
func Errors(pairs ...any) string {
	var sb strings.Builder
	sb.WriteString("<Errors>")
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&sb, "<Err><Code>%v</Code><Msg>%v</Msg></Err>", pairs[i], pairs[i+1])
	}
	sb.WriteString("</Errors>")
	return sb.String()
}

func DummyResponse(app, db, auth string) string {
	return wsfeResponse("FEDummy",
		fmt.Sprintf("<AppServer>%s</AppServer><DbServer>%s</DbServer><AuthServer>%s</AuthServer>", app, db, auth))
}

func LastVoucherResponse(pos, voucherType int, number int64) string {
	return wsfeResponse("FECompUltimoAutorizado",
		fmt.Sprintf("<PtoVta>%d</PtoVta><CbteTipo>%d</CbteTipo><CbteNro>%d</CbteNro>", pos, voucherType, number))
}

func LastVoucherError(pairs ...any) string {
	return wsfeResponse("FECompUltimoAutorizado", "<PtoVta>0</PtoVta><CbteTipo>0</CbteTipo><CbteNro>0</CbteNro>"+Errors(pairs...))
}

// CAEApproved renders an approved FECAESolicitar response for voucher number.
func CAEApproved(pos, voucherType int, number int64, cae, caeExpiry string) string {
	return wsfeResponse("FECAESolicitar", fmt.Sprintf(
		`<FeCabResp><Cuit>20123456786</Cuit><PtoVta>%d</PtoVta><CbteTipo>%d</CbteTipo><FchProceso>20250101120000</FchProceso><CantReg>1</CantReg><Resultado>A</Resultado><Reproceso>N</Reproceso></FeCabResp>`+
			`<FeDetResp><FECAEDetResponse><Concepto>2</Concepto><DocTipo>96</DocTipo><DocNro>30111222</DocNro><CbteDesde>%d</CbteDesde><CbteHasta>%d</CbteHasta><CbteFch>20250101</CbteFch><Resultado>A</Resultado><CAE>%s</CAE><CAEFchVto>%s</CAEFchVto></FECAEDetResponse></FeDetResp>`,
		pos, voucherType, number, number, cae, caeExpiry))
}

// CAERejected renders a rejected response carrying observations on the detail.
func CAERejected(pos, voucherType int, number int64, obs ...any) string {
	var sb strings.Builder
	sb.WriteString("<Observaciones>")
	for i := 0; i+1 < len(obs); i += 2 {
		fmt.Fprintf(&sb, "<Obs><Code>%v</Code><Msg>%v</Msg></Obs>", obs[i], obs[i+1])
	}
	sb.WriteString("</Observaciones>")

	return wsfeResponse("FECAESolicitar", fmt.Sprintf(
		`<FeCabResp><PtoVta>%d</PtoVta><CbteTipo>%d</CbteTipo><CantReg>1</CantReg><Resultado>R</Resultado></FeCabResp>`+
			`<FeDetResp><FECAEDetResponse><CbteDesde>%d</CbteDesde><CbteHasta>%d</CbteHasta><Resultado>R</Resultado><CAE></CAE><CAEFchVto></CAEFchVto>%s</FECAEDetResponse></FeDetResp>`,
		pos, voucherType, number, number, sb.String()))
}

func CAEErrors(pairs ...any) string {
	return wsfeResponse("FECAESolicitar", `<FeCabResp><Resultado>R</Resultado></FeCabResp>`+Errors(pairs...))
}

// CAEWithoutDetail renders a response missing FeDetResp.
func CAEWithoutDetail() string {
	return wsfeResponse("FECAESolicitar", `<FeCabResp><Resultado>A</Resultado></FeCabResp>`)
}

func VoucherResponse(pos, voucherType int, number int64, cae string) string {
	return wsfeResponse("FECompConsultar", fmt.Sprintf(
		`<ResultGet><Concepto>2</Concepto><DocTipo>96</DocTipo><DocNro>30111222</DocNro><CbteDesde>%d</CbteDesde><CbteHasta>%d</CbteHasta><CbteFch>20250101</CbteFch>`+
			`<ImpTotal>121</ImpTotal><ImpTotConc>0</ImpTotConc><ImpNeto>100</ImpNeto><ImpOpEx>0</ImpOpEx><ImpTrib>0</ImpTrib><ImpIVA>21</ImpIVA>`+
			`<MonId>PES</MonId><MonCotiz>1</MonCotiz><Resultado>A</Resultado><CodAutorizacion>%s</CodAutorizacion><EmisionTipo>CAE</EmisionTipo><FchVto>20250111</FchVto>`+
			`<FchProceso>20250101120000</FchProceso><PtoVta>%d</PtoVta><CbteTipo>%d</CbteTipo></ResultGet>`,
		number, number, cae, pos, voucherType))
}
