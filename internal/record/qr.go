package record

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"

	"verifactu/internal/chain/canonical"
	"verifactu/internal/chain/models"
)

const (
	QRURLSandbox    = "https://prewww2.aeat.es/wlpl/TIKE-CONT/ValidarQR"
	QRURLProduction = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"

	DefaultQRSize = 256
)

// QRPayload returns the verification URL printed on the invoice. Parameters
// keep the order nif, numserie, fecha, importe.
func QRPayload(env models.Environment, facts models.DocumentFacts) string {
	facts.Normalize()
	base := QRURLSandbox
	if env == models.EnvironmentProduction {
		base = QRURLProduction
	}
	params := []string{
		"nif=" + url.QueryEscape(facts.IssuerNIF),
		"numserie=" + url.QueryEscape(facts.DocumentNumber),
		"fecha=" + canonical.FormatDate(facts.DocumentDate),
		"importe=" + canonical.FormatAmount(facts.TotalAmount),
	}
	return base + "?" + strings.Join(params, "&")
}

var legalTexts = map[string]string{
	"es": "Factura verificable en la sede electrónica de la AEAT - VERI*FACTU",
	"en": "Invoice verifiable at AEAT electronic headquarters - VERI*FACTU",
	"ca": "Factura verificable a la seu electrònica de l'AEAT - VERI*FACTU",
	"eu": "Faktura AEATen egoitza elektronikoan egiaztatzekoa - VERI*FACTU",
	"gl": "Factura verificable na sede electrónica da AEAT - VERI*FACTU",
}

// LegalText is the legend printed next to the QR code. Unknown languages get
// the Spanish text.
func LegalText(lang string) string {
	if t, ok := legalTexts[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return t
	}
	return legalTexts["es"]
}

// QRCodePNG renders payload as a PNG QR code with medium error correction.
func QRCodePNG(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}
