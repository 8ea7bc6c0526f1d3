package record

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

type soapEnvelope struct {
	XMLName  xml.Name `xml:"soapenv:Envelope"`
	SOAP     string   `xml:"xmlns:soapenv,attr"`
	Sum      string   `xml:"xmlns:sum,attr"`
	Sum1     string   `xml:"xmlns:sum1,attr"`
	Consulta string   `xml:"xmlns:con,attr,omitempty"`
	Header   struct{} `xml:"soapenv:Header"`
	Body     soapBody `xml:"soapenv:Body"`
}

type soapBody struct {
	Inner []byte `xml:",innerxml"`
}

// Envelope wraps body in a SOAP 1.1 envelope declaring the sum and sum1
// prefixes. A document that already is an envelope is returned unchanged.
func Envelope(body []byte) ([]byte, error) {
	return envelope(body, false)
}

func envelope(body []byte, consulta bool) ([]byte, error) {
	if isEnvelope(body) {
		return body, nil
	}
	env := soapEnvelope{
		SOAP: NamespaceSOAP,
		Sum:  NamespaceSuministro,
		Sum1: NamespaceInfo,
		Body: soapBody{Inner: body},
	}
	if consulta {
		env.Consulta = NamespaceConsulta
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// isEnvelope reports whether the first element of doc is a SOAP Envelope.
func isEnvelope(doc []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(bytes.TrimPrefix(doc, []byte("\xef\xbb\xbf"))))
	for {
		tok, err := dec.RawToken()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local == "Envelope"
		}
	}
}
