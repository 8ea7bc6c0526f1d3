package httptransport

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"verifactu/internal/chain/models"
	dErrors "verifactu/pkg/domain-errors"
)

type RecipientRequest struct {
	NIF         string `json:"nif"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	IDType      string `json:"id_type"`
	ID          string `json:"id"`
}

// ReserveRequest carries the fiscal facts of one invoice. Amounts may be JSON
// strings or numbers.
type ReserveRequest struct {
	DocumentNumber string            `json:"document_number"`
	DocumentDate   string            `json:"document_date"`
	InvoiceType    string            `json:"invoice_type"`
	IssuerName     string            `json:"issuer_name"`
	Description    string            `json:"description"`
	Recipient      *RecipientRequest `json:"recipient,omitempty"`
	BaseAmount     decimal.Decimal   `json:"base_amount"`
	VATRate        decimal.Decimal   `json:"vat_rate"`
	VATAmount      decimal.Decimal   `json:"vat_amount"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
}

// Facts converts the request into document facts for issuer nif.
func (r ReserveRequest) Facts(nif string) (models.DocumentFacts, error) {
	date, err := time.Parse(time.DateOnly, strings.TrimSpace(r.DocumentDate))
	if err != nil {
		return models.DocumentFacts{}, dErrors.New(dErrors.CodeValidation, "document_date must be YYYY-MM-DD")
	}
	invoiceType, err := models.ParseInvoiceType(r.InvoiceType)
	if err != nil {
		return models.DocumentFacts{}, dErrors.New(dErrors.CodeValidation, err.Error())
	}
	facts := models.DocumentFacts{
		IssuerNIF:      nif,
		IssuerName:     r.IssuerName,
		DocumentNumber: r.DocumentNumber,
		DocumentDate:   date,
		InvoiceType:    invoiceType,
		Description:    r.Description,
		BaseAmount:     r.BaseAmount,
		VATRate:        r.VATRate,
		VATAmount:      r.VATAmount,
		TotalAmount:    r.TotalAmount,
	}
	if r.Recipient != nil {
		facts.Recipient = &models.Recipient{
			NIF:         r.Recipient.NIF,
			Name:        r.Recipient.Name,
			CountryCode: r.Recipient.CountryCode,
			IDType:      r.Recipient.IDType,
			ID:          r.Recipient.ID,
		}
	}
	facts.Normalize()
	return facts, nil
}

type RecordResponse struct {
	ID              uuid.UUID  `json:"id"`
	NIF             string     `json:"nif"`
	SoftwareID      string     `json:"software_id"`
	DocumentNumber  string     `json:"document_number"`
	DocumentDate    string     `json:"document_date"`
	InvoiceType     string     `json:"invoice_type"`
	TotalAmount     string     `json:"total_amount"`
	Hash            string     `json:"hash"`
	PreviousHash    string     `json:"previous_hash"`
	Timestamp       string     `json:"timestamp"`
	Status          string     `json:"status"`
	Chained         bool       `json:"chained"`
	Environment     string     `json:"environment"`
	CSV             string     `json:"csv,omitempty"`
	Accepted        bool       `json:"accepted"`
	AuthorityStatus string     `json:"authority_status,omitempty"`
	QRURL           string     `json:"qr_url"`
	CreatedAt       time.Time  `json:"created_at"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
}

type ChainInfoResponse struct {
	NIF           string `json:"nif"`
	SoftwareID    string `json:"software_id"`
	TotalRecords  int    `json:"total_records"`
	LastHash      string `json:"last_hash"`
	LastNumber    string `json:"last_number,omitempty"`
	LastDate      string `json:"last_date,omitempty"`
	LastCSV       string `json:"last_csv,omitempty"`
	IsFirstRecord bool   `json:"is_first_record"`
	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

type ChainVerificationResponse struct {
	Valid         bool       `json:"valid"`
	TotalRecords  int        `json:"total_records"`
	VerifiedCount int        `json:"verified_count"`
	FirstBrokenID *uuid.UUID `json:"first_broken_id,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

type ResetRequest struct {
	Confirm bool `json:"confirm"`
}

type SubmitRequest struct {
	OwnerID    string `json:"owner_id"`
	IssuerName string `json:"issuer_name"`
}

type CertificateRequest struct {
	// Certificate is the PKCS#12 bundle, base64 encoded in JSON.
	Certificate []byte `json:"certificate"`
	Password    string `json:"password"`
}

type QRResponse struct {
	URL       string `json:"url"`
	LegalText string `json:"legal_text"`
}

type AuditVerificationResponse struct {
	EntityID string `json:"entity_id"`
	Valid    bool   `json:"valid"`
	Message  string `json:"message"`
}

func toRecordResponse(rec *models.ChainRecord, qrURL string) *RecordResponse {
	return &RecordResponse{
		ID:              rec.ID,
		NIF:             rec.NIF,
		SoftwareID:      rec.SoftwareID,
		DocumentNumber:  rec.DocumentNumber,
		DocumentDate:    rec.DocumentDate.Format(time.DateOnly),
		InvoiceType:     rec.Facts.InvoiceType.WireCode(),
		TotalAmount:     rec.Facts.TotalAmount.StringFixed(2),
		Hash:            rec.Hash,
		PreviousHash:    rec.PreviousHash,
		Timestamp:       rec.Timestamp,
		Status:          string(rec.Status),
		Chained:         rec.Chained,
		Environment:     string(rec.Environment),
		CSV:             rec.CSV,
		Accepted:        rec.Accepted,
		AuthorityStatus: rec.AuthorityStatus,
		QRURL:           qrURL,
		CreatedAt:       rec.CreatedAt,
		SubmittedAt:     rec.SubmittedAt,
	}
}

func toChainInfoResponse(info *models.ChainInfo) *ChainInfoResponse {
	resp := &ChainInfoResponse{
		NIF:           info.Key.NIF,
		SoftwareID:    info.Key.SoftwareID,
		TotalRecords:  info.TotalRecords,
		LastHash:      info.LastHash,
		LastNumber:    info.LastNumber,
		LastCSV:       info.LastCSV,
		IsFirstRecord: info.IsFirstRecord,
		Blocked:       info.Blocked,
		BlockedReason: info.BlockedReason,
	}
	if !info.LastDate.IsZero() {
		resp.LastDate = info.LastDate.Format(time.DateOnly)
	}
	return resp
}

// parsePeriod reads "YYYY-MM".
func parsePeriod(raw string) (models.Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(raw))
	if err != nil {
		return models.Period{}, dErrors.New(dErrors.CodeValidation, "period must be YYYY-MM")
	}
	return models.NewPeriod(t.Year(), t.Month()), nil
}
