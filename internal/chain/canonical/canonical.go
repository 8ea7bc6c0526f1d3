// Package canonical builds the hash input string of a VeriFactu record and its
// SHA-256 fingerprint. Field order, separators and number formats are fixed by
// the authority; any change breaks every chain.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"verifactu/internal/chain/models"
)

const (
	dateLayout      = "02-01-2006"
	timestampLayout = "2006-01-02T15:04:05-07:00"
)

// FormatDate renders a document date as DD-MM-YYYY.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// FormatTimestamp renders t in loc as YYYY-MM-DDTHH:MM:SS±HH:MM.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Truncate(time.Second).Format(timestampLayout)
}

// FormatAmount renders an amount with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Build returns the canonical string for facts chained after previousHash at
// the already formatted timestamp.
func Build(facts models.DocumentFacts, previousHash, timestamp string) string {
	var b strings.Builder
	b.WriteString("IDEmisorFactura=")
	b.WriteString(models.NormalizeNIF(facts.IssuerNIF))
	b.WriteString("&NumSerieFactura=")
	b.WriteString(strings.TrimSpace(facts.DocumentNumber))
	b.WriteString("&FechaExpedicionFactura=")
	b.WriteString(FormatDate(facts.DocumentDate))
	b.WriteString("&TipoFactura=")
	b.WriteString(facts.InvoiceType.WireCode())
	b.WriteString("&CuotaTotal=")
	b.WriteString(FormatAmount(facts.VATAmount))
	b.WriteString("&ImporteTotal=")
	b.WriteString(FormatAmount(facts.TotalAmount))
	b.WriteString("&Huella=")
	b.WriteString(previousHash)
	b.WriteString("&FechaHoraHusoGenRegistro=")
	b.WriteString(timestamp)
	return b.String()
}

// Hash returns the uppercase hex SHA-256 of the UTF-8 bytes of input.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Compute is Build followed by Hash. It is pure: identical arguments always
// produce the identical result.
func Compute(facts models.DocumentFacts, previousHash string, generatedAt time.Time, loc *time.Location) (input, hash, timestamp string) {
	timestamp = FormatTimestamp(generatedAt, loc)
	input = Build(facts, previousHash, timestamp)
	return input, Hash(input), timestamp
}
