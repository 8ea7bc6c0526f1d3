package models

import (
	"fmt"
	"strings"
)

// InvoiceType is the single canonical invoice type. Its value is the AEAT wire
// code; product-level aliases are expressed as predicates, never as extra values.
type InvoiceType string

const (
	InvoiceTypeComplete    InvoiceType = "F1"
	InvoiceTypeSimplified  InvoiceType = "F2"
	InvoiceTypeSubstitute  InvoiceType = "F3"
	InvoiceTypeCorrective1 InvoiceType = "R1"
	InvoiceTypeCorrective2 InvoiceType = "R2"
	InvoiceTypeCorrective3 InvoiceType = "R3"
	InvoiceTypeCorrective4 InvoiceType = "R4"
	InvoiceTypeCorrective5 InvoiceType = "R5"
)

var invoiceTypeDescriptions = map[InvoiceType]string{
	InvoiceTypeComplete:    "Factura completa",
	InvoiceTypeSimplified:  "Factura simplificada",
	InvoiceTypeSubstitute:  "Factura emitida en sustitucion de facturas simplificadas",
	InvoiceTypeCorrective1: "Factura rectificativa (art. 80.1, 80.2 y error fundado en derecho)",
	InvoiceTypeCorrective2: "Factura rectificativa (art. 80.3)",
	InvoiceTypeCorrective3: "Factura rectificativa (art. 80.4)",
	InvoiceTypeCorrective4: "Factura rectificativa (resto)",
	InvoiceTypeCorrective5: "Factura rectificativa en facturas simplificadas",
}

// ParseInvoiceType accepts wire codes only, case-insensitively.
func ParseInvoiceType(code string) (InvoiceType, error) {
	t := InvoiceType(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := invoiceTypeDescriptions[t]; !ok {
		return "", fmt.Errorf("unknown invoice type %q", code)
	}
	return t, nil
}

// WireCode returns the code emitted in TipoFactura and in the hash input.
func (t InvoiceType) WireCode() string {
	return string(t)
}

func (t InvoiceType) IsValid() bool {
	_, ok := invoiceTypeDescriptions[t]
	return ok
}

// IsSimplified reports whether the invoice carries no identified recipient.
func (t InvoiceType) IsSimplified() bool {
	return t == InvoiceTypeSimplified || t == InvoiceTypeCorrective5
}

// IsCorrective reports whether the invoice is a credit note.
func (t InvoiceType) IsCorrective() bool {
	return strings.HasPrefix(string(t), "R") && t.IsValid()
}

func (t InvoiceType) Description() string {
	return invoiceTypeDescriptions[t]
}
