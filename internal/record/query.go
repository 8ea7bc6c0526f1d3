package record

import (
	"encoding/xml"
	"fmt"
	"time"

	"verifactu/internal/chain/canonical"
	"verifactu/internal/chain/models"
	dErrors "verifactu/pkg/domain-errors"
)

// PageKey continues a paginated query after the given invoice.
type PageKey struct {
	IssuerNIF      string
	DocumentNumber string
	DocumentDate   time.Time
}

type consulta struct {
	XMLName  xml.Name       `xml:"con:ConsultaFactuSistemaFacturacion"`
	Cabecera consultaHeader `xml:"con:Cabecera"`
	Filtro   filtroConsulta `xml:"con:FiltroConsulta"`
}

type consultaHeader struct {
	IDVersion string   `xml:"sum1:IDVersion"`
	Obligado  obligado `xml:"sum1:ObligadoEmision"`
}

type filtroConsulta struct {
	Periodo         periodoImputacion `xml:"sum1:PeriodoImputacion"`
	ClavePaginacion *idFactura        `xml:"sum1:ClavePaginacion,omitempty"`
}

type periodoImputacion struct {
	Ejercicio string `xml:"sum1:Ejercicio"`
	Periodo   string `xml:"sum1:Periodo"`
}

// BuildQueryRequest renders the enveloped ConsultaFactuSistemaFacturacion
// request listing the taxpayer's records for period. page is nil for the
// first page.
func BuildQueryRequest(nif, name string, period models.Period, page *PageKey) ([]byte, error) {
	nif = models.NormalizeNIF(nif)
	if nif == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "taxpayer NIF is required")
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = nif
	}
	doc := consulta{
		Cabecera: consultaHeader{
			IDVersion: idVersion,
			Obligado:  obligado{NombreRazon: name, NIF: nif},
		},
		Filtro: filtroConsulta{
			Periodo: periodoImputacion{Ejercicio: period.Ejercicio(), Periodo: period.Periodo()},
		},
	}
	if page != nil {
		doc.Filtro.ClavePaginacion = &idFactura{
			IDEmisor:  models.NormalizeNIF(page.IssuerNIF),
			NumSerie:  page.DocumentNumber,
			FechaExpe: canonical.FormatDate(page.DocumentDate),
		}
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	return envelope(body, true)
}
