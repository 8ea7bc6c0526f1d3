// Package record renders chain records as the authority's XML documents: the
// RegistroAlta submission, its SOAP envelope, the period query and the QR
// verification payload.
package record

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"verifactu/internal/chain/canonical"
	"verifactu/internal/chain/models"
	dErrors "verifactu/pkg/domain-errors"
)

const (
	NamespaceSOAP       = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceSuministro = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd"
	NamespaceInfo       = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroInformacion.xsd"
	NamespaceConsulta   = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/ConsultaLR.xsd"

	idVersion       = "1.0"
	defaultDesc     = "Factura"
	defaultCustomer = "Cliente"
)

// SoftwareInfo identifies the invoicing system in SistemaInformatico.
type SoftwareInfo struct {
	ProducerName       string
	ProducerNIF        string
	SystemName         string
	SystemID           string
	Version            string
	InstallationNumber string
}

// Chaining is the Encadenamiento block. A zero value marks the first record.
type Chaining struct {
	IssuerNIF      string
	DocumentNumber string
	DocumentDate   time.Time
	Hash           string
}

func (c Chaining) isFirst() bool {
	return c.Hash == ""
}

type regFactu struct {
	XMLName  xml.Name  `xml:"sum:RegFactuSistemaFacturacion"`
	Cabecera cabecera  `xml:"sum:Cabecera"`
	Registro registros `xml:"sum:RegistroFactura"`
}

type cabecera struct {
	Obligado obligado `xml:"sum1:ObligadoEmision"`
}

type obligado struct {
	NombreRazon string `xml:"sum1:NombreRazon"`
	NIF         string `xml:"sum1:NIF"`
}

type registros struct {
	Alta registroAlta `xml:"sum1:RegistroAlta"`
}

type idFactura struct {
	IDEmisor  string `xml:"sum1:IDEmisorFactura"`
	NumSerie  string `xml:"sum1:NumSerieFactura"`
	FechaExpe string `xml:"sum1:FechaExpedicionFactura"`
}

type registroAlta struct {
	IDVersion            string         `xml:"sum1:IDVersion"`
	IDFactura            idFactura      `xml:"sum1:IDFactura"`
	NombreRazonEmisor    string         `xml:"sum1:NombreRazonEmisor"`
	TipoFactura          string         `xml:"sum1:TipoFactura"`
	DescripcionOperacion string         `xml:"sum1:DescripcionOperacion"`
	Destinatarios        *destinatarios `xml:"sum1:Destinatarios,omitempty"`
	Desglose             desglose       `xml:"sum1:Desglose"`
	CuotaTotal           string         `xml:"sum1:CuotaTotal"`
	ImporteTotal         string         `xml:"sum1:ImporteTotal"`
	Encadenamiento       encadenamiento `xml:"sum1:Encadenamiento"`
	SistemaInformatico   sistema        `xml:"sum1:SistemaInformatico"`
	FechaHoraHuso        string         `xml:"sum1:FechaHoraHusoGenRegistro"`
	TipoHuella           string         `xml:"sum1:TipoHuella"`
	Huella               string         `xml:"sum1:Huella"`
}

type destinatarios struct {
	IDDestinatario idDestinatario `xml:"sum1:IDDestinatario"`
}

type idDestinatario struct {
	NombreRazon string  `xml:"sum1:NombreRazon"`
	NIF         string  `xml:"sum1:NIF,omitempty"`
	IDOtro      *idOtro `xml:"sum1:IDOtro,omitempty"`
}

type idOtro struct {
	CodigoPais string `xml:"sum1:CodigoPais"`
	IDType     string `xml:"sum1:IDType"`
	ID         string `xml:"sum1:ID"`
}

type desglose struct {
	Detalle detalleDesglose `xml:"sum1:DetalleDesglose"`
}

type detalleDesglose struct {
	ClaveRegimen          string `xml:"sum1:ClaveRegimen"`
	CalificacionOperacion string `xml:"sum1:CalificacionOperacion"`
	TipoImpositivo        string `xml:"sum1:TipoImpositivo"`
	BaseImponible         string `xml:"sum1:BaseImponibleOimporteNoSujeto"`
	CuotaRepercutida      string `xml:"sum1:CuotaRepercutida"`
}

type encadenamiento struct {
	PrimerRegistro   string            `xml:"sum1:PrimerRegistro,omitempty"`
	RegistroAnterior *registroAnterior `xml:"sum1:RegistroAnterior,omitempty"`
}

type registroAnterior struct {
	IDEmisor  string `xml:"sum1:IDEmisorFactura"`
	NumSerie  string `xml:"sum1:NumSerieFactura"`
	FechaExpe string `xml:"sum1:FechaExpedicionFactura"`
	Huella    string `xml:"sum1:Huella"`
}

type sistema struct {
	NombreRazon              string `xml:"sum1:NombreRazon"`
	NIF                      string `xml:"sum1:NIF"`
	NombreSistemaInformatico string `xml:"sum1:NombreSistemaInformatico"`
	IdSistemaInformatico     string `xml:"sum1:IdSistemaInformatico"`
	Version                  string `xml:"sum1:Version"`
	NumeroInstalacion        string `xml:"sum1:NumeroInstalacion"`
	SoloVerifactu            string `xml:"sum1:TipoUsoPosibleSoloVerifactu"`
	MultiOT                  string `xml:"sum1:TipoUsoPosibleMultiOT"`
	IndicadorMultiplesOT     string `xml:"sum1:IndicadorMultiplesOT"`
}

// Formatter renders records for one invoicing system installation.
type Formatter struct {
	software SoftwareInfo
}

func NewFormatter(software SoftwareInfo) *Formatter {
	return &Formatter{software: software}
}

// BuildRecord renders the RegFactuSistemaFacturacion body. timestamp must be
// the exact string that entered the hash.
func (f *Formatter) BuildRecord(facts models.DocumentFacts, hash, timestamp string, chaining Chaining) ([]byte, error) {
	facts.Normalize()
	if err := facts.Validate(); err != nil {
		return nil, err
	}
	if hash == "" || timestamp == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "record hash and timestamp are required")
	}

	issuerName := facts.IssuerName
	if issuerName == "" {
		issuerName = facts.IssuerNIF
	}
	description := facts.Description
	if description == "" {
		description = defaultDesc
	}

	doc := regFactu{
		Cabecera: cabecera{Obligado: obligado{NombreRazon: issuerName, NIF: facts.IssuerNIF}},
		Registro: registros{Alta: registroAlta{
			IDVersion: idVersion,
			IDFactura: idFactura{
				IDEmisor:  facts.IssuerNIF,
				NumSerie:  facts.DocumentNumber,
				FechaExpe: canonical.FormatDate(facts.DocumentDate),
			},
			NombreRazonEmisor:    issuerName,
			TipoFactura:          facts.InvoiceType.WireCode(),
			DescripcionOperacion: description,
			Destinatarios:        buildRecipients(facts),
			Desglose: desglose{Detalle: detalleDesglose{
				ClaveRegimen:          "01",
				CalificacionOperacion: "S1",
				TipoImpositivo:        canonical.FormatAmount(facts.VATRate),
				BaseImponible:         canonical.FormatAmount(baseAmount(facts)),
				CuotaRepercutida:      canonical.FormatAmount(facts.VATAmount),
			}},
			CuotaTotal:         canonical.FormatAmount(facts.VATAmount),
			ImporteTotal:       canonical.FormatAmount(facts.TotalAmount),
			Encadenamiento:     buildChaining(facts, chaining),
			SistemaInformatico: f.system(issuerName, facts.IssuerNIF),
			FechaHoraHuso:      timestamp,
			TipoHuella:         "01",
			Huella:             hash,
		}},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return out, nil
}

// BuildFromRecord renders a stored chain record.
func (f *Formatter) BuildFromRecord(rec *models.ChainRecord) ([]byte, error) {
	chaining := Chaining{}
	if !rec.IsFirst() {
		chaining = Chaining{
			IssuerNIF:      rec.NIF,
			DocumentNumber: rec.PreviousNumber,
			DocumentDate:   rec.PreviousDate,
			Hash:           rec.PreviousHash,
		}
	}
	return f.BuildRecord(rec.Facts, rec.Hash, rec.Timestamp, chaining)
}

func (f *Formatter) system(issuerName, issuerNIF string) sistema {
	s := sistema{
		NombreRazon:              f.software.ProducerName,
		NIF:                      f.software.ProducerNIF,
		NombreSistemaInformatico: f.software.SystemName,
		IdSistemaInformatico:     f.software.SystemID,
		Version:                  f.software.Version,
		NumeroInstalacion:        f.software.InstallationNumber,
		SoloVerifactu:            "S",
		MultiOT:                  "N",
		IndicadorMultiplesOT:     "N",
	}
	if s.NombreRazon == "" {
		s.NombreRazon = issuerName
	}
	if s.NIF == "" {
		s.NIF = issuerNIF
	}
	if s.IdSistemaInformatico == "" {
		s.IdSistemaInformatico = "01"
	}
	if s.NumeroInstalacion == "" {
		s.NumeroInstalacion = "1"
	}
	return s
}

// baseAmount falls back to total minus VAT when no base was supplied.
func baseAmount(facts models.DocumentFacts) decimal.Decimal {
	if !facts.BaseAmount.IsZero() {
		return facts.BaseAmount
	}
	return facts.TotalAmount.Sub(facts.VATAmount)
}

func buildRecipients(facts models.DocumentFacts) *destinatarios {
	r := facts.Recipient
	if facts.InvoiceType.IsSimplified() || r == nil {
		return nil
	}
	name := r.Name
	if name == "" {
		name = defaultCustomer
	}
	if r.NIF != "" {
		return &destinatarios{IDDestinatario: idDestinatario{NombreRazon: name, NIF: r.NIF}}
	}
	if r.IDType == "" || r.ID == "" {
		return nil
	}
	country := r.CountryCode
	if country == "" {
		country = "ES"
	}
	return &destinatarios{IDDestinatario: idDestinatario{
		NombreRazon: name,
		IDOtro:      &idOtro{CodigoPais: country, IDType: r.IDType, ID: r.ID},
	}}
}

func buildChaining(facts models.DocumentFacts, c Chaining) encadenamiento {
	if c.isFirst() {
		return encadenamiento{PrimerRegistro: "S"}
	}
	nif := c.IssuerNIF
	if nif == "" {
		nif = facts.IssuerNIF
	}
	return encadenamiento{RegistroAnterior: &registroAnterior{
		IDEmisor:  models.NormalizeNIF(nif),
		NumSerie:  c.DocumentNumber,
		FechaExpe: canonical.FormatDate(c.DocumentDate),
		Huella:    c.Hash,
	}}
}
