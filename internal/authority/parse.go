package authority

import (
	"bytes"
	"strconv"
	"time"

	"verifactu/internal/authority/xmlquery"
)

var acceptedStatuses = map[string]bool{
	StatusCorrect:           true,
	StatusAcceptedWithError: true,
	StatusPartiallyCorrect:  true,
}

// ParseSubmissionResponse interprets a RespuestaRegFactuSistemaFacturacion
// answer or a SOAP Fault. Malformed XML yields a parse error unless its text
// clearly reads as accepted, in which case the result is marked Heuristic.
func ParseSubmissionResponse(body []byte) (*SubmissionResult, error) {
	root, err := xmlquery.Parse(body)
	if err != nil {
		if bytes.Contains(body, []byte(StatusCorrect)) && !bytes.Contains(body, []byte(StatusIncorrect)) {
			return &SubmissionResult{
				Kind:        OutcomeAccepted,
				Status:      StatusCorrect,
				WaitSeconds: DefaultWaitSeconds,
				Heuristic:   true,
				RawResponse: body,
			}, nil
		}
		return nil, newError(CategoryParse, "malformed response", err)
	}

	if fault := root.Find("Fault"); fault != nil {
		msg := fault.Value("faultstring")
		if msg == "" {
			msg = fault.Value("Text")
		}
		return &SubmissionResult{
			Kind:         OutcomeTransportFailed,
			Status:       StatusSOAPFault,
			FaultMessage: msg,
			WaitSeconds:  DefaultWaitSeconds,
			RawResponse:  body,
		}, nil
	}

	status := root.Value("EstadoEnvio")
	if status == "" {
		return nil, newError(CategoryParse, "response has no EstadoEnvio", nil)
	}

	result := &SubmissionResult{
		Status:      status,
		CSV:         root.Value("CSV"),
		WaitSeconds: DefaultWaitSeconds,
		RawResponse: body,
	}
	if wait, err := strconv.Atoi(root.Value("TiempoEsperaEnvio")); err == nil && wait > 0 {
		result.WaitSeconds = wait
	}

	lineRejected := false
	for _, line := range root.FindAll("RespuestaLinea") {
		lr := LineResult{
			IssuerNIF:        line.Value("IDEmisorFactura"),
			DocumentNumber:   line.Value("NumSerieFactura"),
			DocumentDate:     line.Value("FechaExpedicionFactura"),
			Status:           line.Value("EstadoRegistro"),
			ErrorCode:        line.Value("CodigoErrorRegistro"),
			ErrorDescription: line.Value("DescripcionErrorRegistro"),
		}
		if lr.Status == StatusIncorrect {
			lineRejected = true
		}
		result.Lines = append(result.Lines, lr)
	}

	if acceptedStatuses[status] && !lineRejected {
		result.Kind = OutcomeAccepted
	} else {
		result.Kind = OutcomeRejected
	}
	return result, nil
}

// queryPage is one page of a ConsultaFactuSistemaFacturacion answer.
type queryPage struct {
	records []AuthorityRecord
	more    bool
}

// parseQueryResponse reads RegistroRespuestaConsultaFactuSistemaFacturacion
// entries. A fault is reported as a parse error.
func parseQueryResponse(body []byte) (*queryPage, error) {
	root, err := xmlquery.Parse(body)
	if err != nil {
		return nil, newError(CategoryParse, "malformed query response", err)
	}
	if fault := root.Find("Fault"); fault != nil {
		return nil, newError(CategoryParse, "query fault: "+fault.Value("faultstring"), nil)
	}

	page := &queryPage{more: root.Value("IndicadorPaginacion") == "S"}
	for _, n := range root.FindAll("RegistroRespuestaConsultaFactuSistemaFacturacion") {
		id := n.Find("IDFactura")
		// Huella must be the record's own, not the one inside Encadenamiento.
		rec := AuthorityRecord{
			IssuerNIF:      id.Value("IDEmisorFactura"),
			DocumentNumber: id.Value("NumSerieFactura"),
			Hash:           n.Child("DatosRegistroFacturacion").ChildText("Huella"),
			Status:         n.Child("EstadoRegistro").ChildText("EstadoRegistro"),
		}
		if rec.Status == "" {
			rec.Status = n.ChildText("EstadoRegistro")
		}
		if d := id.Value("FechaExpedicionFactura"); d != "" {
			date, err := time.Parse("02-01-2006", d)
			if err != nil {
				return nil, newError(CategoryParse, "invalid FechaExpedicionFactura "+d, err)
			}
			rec.DocumentDate = date
		}
		if rec.DocumentNumber == "" {
			return nil, newError(CategoryParse, "query record without NumSerieFactura", nil)
		}
		page.records = append(page.records, rec)
	}
	return page, nil
}
