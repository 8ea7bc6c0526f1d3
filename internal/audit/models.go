package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a fiscal-system event as the regulation labels it.
type EventType string

const (
	EventInvoiceCreated   EventType = "ALTA_FACTURA"
	EventInvoiceCancelled EventType = "ANULACION_FACTURA"
	EventInvoiceCorrected EventType = "RECTIFICACION_FACTURA"
	EventRecordSubmitted  EventType = "ENVIO_REGISTRO"
	EventHashGenerated    EventType = "GENERACION_HUELLA"
	EventQRGenerated      EventType = "GENERACION_QR"
	EventSystemError      EventType = "ERROR_SISTEMA"
)

var eventCodes = map[EventType]string{
	EventInvoiceCreated:   "EVT001",
	EventInvoiceCancelled: "EVT002",
	EventInvoiceCorrected: "EVT003",
	EventRecordSubmitted:  "EVT011",
	EventHashGenerated:    "EVT020",
	EventQRGenerated:      "EVT021",
	EventSystemError:      "EVT999",
}

var eventDescriptions = map[EventType]string{
	EventInvoiceCreated:   "Alta de factura en el sistema",
	EventInvoiceCancelled: "Anulación de factura",
	EventInvoiceCorrected: "Rectificación de factura",
	EventRecordSubmitted:  "Envío de registro a AEAT",
	EventHashGenerated:    "Generación de huella digital",
	EventQRGenerated:      "Generación de código QR",
	EventSystemError:      "Error del sistema",
}

// Code returns the EVTnnn code of t. Unknown types map to the system error code.
func (t EventType) Code() string {
	if c, ok := eventCodes[t]; ok {
		return c
	}
	return eventCodes[EventSystemError]
}

func (t EventType) Description() string {
	return eventDescriptions[t]
}

func (t EventType) IsValid() bool {
	_, ok := eventCodes[t]
	return ok
}

// Event is one entry in an entity's audit trail. Per entity, events form a
// chain: HashBefore of each event equals HashAfter of the previous one, and
// the first event has an empty HashBefore.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	EntityID    string            `json:"entity_id"`
	EventType   EventType         `json:"event_type"`
	EventCode   string            `json:"event_code"`
	Description string            `json:"description"`
	HashBefore  string            `json:"hash_before"`
	HashAfter   string            `json:"hash_after"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Entry is what callers hand to Log.Append.
type Entry struct {
	EntityID    string
	EventType   EventType
	Description string
	HashBefore  string
	HashAfter   string
	Metadata    map[string]string
}
