package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dErrors "verifactu/pkg/domain-errors"
)

// ChainKey identifies one chain. There is exactly one chain per taxpayer NIF
// and invoicing software.
type ChainKey struct {
	NIF        string
	SoftwareID string
}

func NewChainKey(nif, softwareID string) ChainKey {
	return ChainKey{NIF: NormalizeNIF(nif), SoftwareID: strings.TrimSpace(softwareID)}
}

func (k ChainKey) String() string {
	return k.NIF + "/" + k.SoftwareID
}

func (k ChainKey) Validate() error {
	if k.NIF == "" {
		return dErrors.New(dErrors.CodeValidation, "taxpayer NIF is required")
	}
	if k.SoftwareID == "" {
		return dErrors.New(dErrors.CodeValidation, "software id is required")
	}
	return nil
}

// Recipient identifies the invoice addressee. A Spanish NIF is emitted as
// IDDestinatario/NIF; anything else goes through IDOtro.
type Recipient struct {
	NIF         string
	Name        string
	CountryCode string
	IDType      string
	ID          string
}

// DocumentFacts are the fiscal facts of one invoice as supplied by the caller.
type DocumentFacts struct {
	IssuerNIF      string
	IssuerName     string
	DocumentNumber string
	DocumentDate   time.Time
	InvoiceType    InvoiceType
	Description    string
	Recipient      *Recipient
	BaseAmount     decimal.Decimal
	VATRate        decimal.Decimal
	VATAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
}

// Normalize trims identifiers and truncates the document date to a day. The
// recipient is copied, never modified in place.
func (f *DocumentFacts) Normalize() {
	f.IssuerNIF = NormalizeNIF(f.IssuerNIF)
	f.IssuerName = strings.TrimSpace(f.IssuerName)
	f.DocumentNumber = strings.TrimSpace(f.DocumentNumber)
	f.Description = strings.TrimSpace(f.Description)
	if !f.DocumentDate.IsZero() {
		y, m, d := f.DocumentDate.Date()
		f.DocumentDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	if f.Recipient != nil {
		r := *f.Recipient
		r.NIF = NormalizeNIF(r.NIF)
		r.Name = strings.TrimSpace(r.Name)
		r.CountryCode = strings.ToUpper(strings.TrimSpace(r.CountryCode))
		r.ID = strings.TrimSpace(r.ID)
		f.Recipient = &r
	}
}

// Validate enforces the structural invariants needed to hash and format a record.
func (f DocumentFacts) Validate() error {
	if f.IssuerNIF == "" {
		return dErrors.New(dErrors.CodeValidation, "issuer NIF is required")
	}
	if f.DocumentNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "document number is required")
	}
	if len(f.DocumentNumber) > 60 {
		return dErrors.New(dErrors.CodeValidation, "document number exceeds 60 characters")
	}
	if f.DocumentDate.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "document date is required")
	}
	if !f.InvoiceType.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invoice type is invalid")
	}
	if f.TotalAmount.IsNegative() && !f.InvoiceType.IsCorrective() {
		return dErrors.New(dErrors.CodeValidation, "negative total is only allowed on corrective invoices")
	}
	if !f.InvoiceType.IsSimplified() && f.Recipient == nil {
		return dErrors.New(dErrors.CodeValidation, "recipient is required for non-simplified invoices")
	}
	if f.Recipient != nil && f.Recipient.NIF == "" && f.Recipient.ID == "" && !f.InvoiceType.IsSimplified() {
		return dErrors.New(dErrors.CodeValidation, "recipient requires a NIF or a foreign identifier")
	}
	return nil
}
