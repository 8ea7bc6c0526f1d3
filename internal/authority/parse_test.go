package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func soap(body string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/"><env:Body>` + body + `</env:Body></env:Envelope>`)
}

func response(status, lines string) []byte {
	return soap(`<tikR:RespuestaRegFactuSistemaFacturacion xmlns:tikR="urn:r" xmlns:tik="urn:t">` +
		`<tikR:CSV>A-YDSW8NLFLANWPM</tikR:CSV><tikR:TiempoEsperaEnvio>90</tikR:TiempoEsperaEnvio>` +
		`<tikR:EstadoEnvio>` + status + `</tikR:EstadoEnvio>` + lines +
		`</tikR:RespuestaRegFactuSistemaFacturacion>`)
}

const incorrectLine = `<tikR:RespuestaLinea><tikR:IDFactura><tik:IDEmisorFactura>Z0117657V</tik:IDEmisorFactura>` +
	`<tik:NumSerieFactura>A-1</tik:NumSerieFactura><tik:FechaExpedicionFactura>08-01-2026</tik:FechaExpedicionFactura></tikR:IDFactura>` +
	`<tikR:EstadoRegistro>Incorrecto</tikR:EstadoRegistro><tikR:CodigoErrorRegistro>4102</tikR:CodigoErrorRegistro>` +
	`<tikR:DescripcionErrorRegistro>El XML no cumple el esquema</tikR:DescripcionErrorRegistro></tikR:RespuestaLinea>`

// indentedResponse is laid out the way the authority actually answers.
const indentedResponse = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body Id="Body">
    <tikR:RespuestaRegFactuSistemaFacturacion xmlns:tikR="urn:r" xmlns:tik="urn:t">
      <tikR:Cabecera>
        <tik:ObligadoEmision>
          <tik:NombreRazon>EMPRESA DEMO</tik:NombreRazon>
          <tik:NIF>Z0117657V</tik:NIF>
        </tik:ObligadoEmision>
      </tikR:Cabecera>
      <tikR:TiempoEsperaEnvio>60</tikR:TiempoEsperaEnvio>
      <tikR:EstadoEnvio>Incorrecto</tikR:EstadoEnvio>
      <tikR:RespuestaLinea>
        <tikR:IDFactura>
          <tik:IDEmisorFactura>Z0117657V</tik:IDEmisorFactura>
          <tik:NumSerieFactura>A-1</tik:NumSerieFactura>
          <tik:FechaExpedicionFactura>08-01-2026</tik:FechaExpedicionFactura>
        </tikR:IDFactura>
        <tikR:EstadoRegistro>Incorrecto</tikR:EstadoRegistro>
        <tikR:CodigoErrorRegistro>1100</tikR:CodigoErrorRegistro>
        <tikR:DescripcionErrorRegistro>Valor o tipo incorrecto del campo</tikR:DescripcionErrorRegistro>
      </tikR:RespuestaLinea>
    </tikR:RespuestaRegFactuSistemaFacturacion>
  </env:Body>
</env:Envelope>
`

func TestParseSubmissionResponse(t *testing.T) {
	t.Run("indented answer", func(t *testing.T) {
		res, err := ParseSubmissionResponse([]byte(indentedResponse))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Kind)
		assert.Equal(t, 60, res.WaitSeconds)
		require.Len(t, res.Lines, 1)
		assert.Equal(t, "Z0117657V", res.Lines[0].IssuerNIF)
		assert.Equal(t, "A-1", res.Lines[0].DocumentNumber)
		assert.Equal(t, []string{"1100"}, res.ErrorCodes())
		assert.Equal(t, "Valor o tipo incorrecto del campo", res.Message())
	})

	t.Run("accepted", func(t *testing.T) {
		res, err := ParseSubmissionResponse(response("Correcto", `<tikR:RespuestaLinea><tikR:EstadoRegistro>Correcto</tikR:EstadoRegistro></tikR:RespuestaLinea>`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, res.Kind)
		assert.True(t, res.Accepted())
		assert.Equal(t, "Correcto", res.Status)
		assert.Equal(t, "A-YDSW8NLFLANWPM", res.CSV)
		assert.Equal(t, 90, res.WaitSeconds)
		assert.False(t, res.Heuristic)
		assert.Empty(t, res.ErrorCodes())
	})

	t.Run("accepted with errors keeps raw status", func(t *testing.T) {
		res, err := ParseSubmissionResponse(response("AceptadoConErrores", ""))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, res.Kind)
		assert.Equal(t, "AceptadoConErrores", res.Status)
	})

	t.Run("rejected with line details", func(t *testing.T) {
		res, err := ParseSubmissionResponse(response("Incorrecto", incorrectLine))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Kind)
		require.Len(t, res.Lines, 1)
		assert.Equal(t, "A-1", res.Lines[0].DocumentNumber)
		assert.Equal(t, "08-01-2026", res.Lines[0].DocumentDate)
		assert.Equal(t, []string{"4102"}, res.ErrorCodes())
		assert.Equal(t, "El XML no cumple el esquema", res.Message())
	})

	t.Run("partially correct with our line incorrect is a rejection", func(t *testing.T) {
		res, err := ParseSubmissionResponse(response("ParcialmenteCorrecto", incorrectLine))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Kind)
	})

	t.Run("default wait", func(t *testing.T) {
		res, err := ParseSubmissionResponse(soap(`<r:R xmlns:r="urn:r"><r:EstadoEnvio>Correcto</r:EstadoEnvio></r:R>`))
		require.NoError(t, err)
		assert.Equal(t, DefaultWaitSeconds, res.WaitSeconds)
	})

	t.Run("soap fault", func(t *testing.T) {
		res, err := ParseSubmissionResponse(soap(`<env:Fault><faultcode>env:Client</faultcode>` +
			`<faultstring>Codigo[4102].El XML no cumple el esquema</faultstring></env:Fault>`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeTransportFailed, res.Kind)
		assert.Equal(t, StatusSOAPFault, res.Status)
		assert.Contains(t, res.FaultMessage, "4102")
		assert.Equal(t, res.FaultMessage, res.Message())
	})

	t.Run("malformed but clearly correct", func(t *testing.T) {
		res, err := ParseSubmissionResponse([]byte(`<EstadoEnvio>Correcto</EstadoEnvio><CSV>`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, res.Kind)
		assert.True(t, res.Heuristic)
	})

	t.Run("malformed and ambiguous", func(t *testing.T) {
		_, err := ParseSubmissionResponse([]byte(`<EstadoEnvio>Incorrecto</Estado`))
		require.Error(t, err)
		category, ok := CategoryOf(err)
		assert.True(t, ok)
		assert.Equal(t, CategoryParse, category)
		assert.False(t, IsRetryable(err))
	})

	t.Run("missing status", func(t *testing.T) {
		_, err := ParseSubmissionResponse(soap(`<r:R xmlns:r="urn:r"/>`))
		category, _ := CategoryOf(err)
		assert.Equal(t, CategoryParse, category)
	})
}

func queryRecord(number, date, hash, prevHash string) string {
	return `<tikLRRC:RegistroRespuestaConsultaFactuSistemaFacturacion>` +
		`<tikLRRC:IDFactura><tik:IDEmisorFactura>Z0117657V</tik:IDEmisorFactura>` +
		`<tik:NumSerieFactura>` + number + `</tik:NumSerieFactura>` +
		`<tik:FechaExpedicionFactura>` + date + `</tik:FechaExpedicionFactura></tikLRRC:IDFactura>` +
		`<tikLRRC:DatosRegistroFacturacion>` +
		`<tik:Encadenamiento><tik:RegistroAnterior><tik:Huella>` + prevHash + `</tik:Huella></tik:RegistroAnterior></tik:Encadenamiento>` +
		`<tik:TipoHuella>01</tik:TipoHuella><tik:Huella>` + hash + `</tik:Huella></tikLRRC:DatosRegistroFacturacion>` +
		`<tikLRRC:EstadoRegistro><tikLRRC:EstadoRegistro>Correcta</tikLRRC:EstadoRegistro></tikLRRC:EstadoRegistro>` +
		`</tikLRRC:RegistroRespuestaConsultaFactuSistemaFacturacion>`
}

func queryResponse(more bool, records ...string) []byte {
	flag := "N"
	if more {
		flag = "S"
	}
	body := `<tikLRRC:RespuestaConsultaFactuSistemaFacturacion xmlns:tikLRRC="urn:c" xmlns:tik="urn:t">` +
		`<tikLRRC:IndicadorPaginacion>` + flag + `</tikLRRC:IndicadorPaginacion><tikLRRC:ResultadoConsulta>ConDatos</tikLRRC:ResultadoConsulta>`
	for _, r := range records {
		body += r
	}
	return soap(body + `</tikLRRC:RespuestaConsultaFactuSistemaFacturacion>`)
}

func TestParseQueryResponse(t *testing.T) {
	page, err := parseQueryResponse(queryResponse(true,
		queryRecord("A-1", "01-01-2026", "HASH1", ""),
		queryRecord("A-2", "02-01-2026", "HASH2", "HASH1"),
	))
	require.NoError(t, err)
	assert.True(t, page.more)
	require.Len(t, page.records, 2)
	assert.Equal(t, "HASH2", page.records[1].Hash, "own Huella, not the chained one")
	assert.Equal(t, "Correcta", page.records[1].Status)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), page.records[1].DocumentDate)

	_, err = parseQueryResponse(queryResponse(false, queryRecord("A-3", "2026-01-03", "H", "")))
	assert.Error(t, err)
}
