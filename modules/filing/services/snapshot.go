package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/types"
)

const snapshotSchemaVersion = 1

// Snapshot is the immutable archival record of a filing.
type Snapshot struct {
	SchemaVersion     int                      `json:"schema_version"`
	FilingID          string                   `json:"filing_id"`
	EntityRef         string                   `json:"entity_ref"`
	FormType          string                   `json:"form_type"`
	LegalForm         string                   `json:"legal_form"`
	FiscalYear        int                      `json:"fiscal_year"`
	Payload           map[string]any           `json:"payload"`
	TransportDocument *types.TransportDocument `json:"transport_document"`
	IssuerResponse    *types.IssuerResponse    `json:"issuer_response"`
	TransferTicket    string                   `json:"transfer_ticket"`
	Status            types.Status             `json:"status"`
	Fingerprint       string                   `json:"fingerprint,omitempty"`
}

func snapshotOf(f types.Filing) Snapshot {
	return Snapshot{
		SchemaVersion:     snapshotSchemaVersion,
		FilingID:          f.ID,
		EntityRef:         f.EntityRef,
		FormType:          f.FormType,
		LegalForm:         f.LegalForm,
		FiscalYear:        f.FiscalYear,
		Payload:           f.Payload,
		TransportDocument: f.Transport,
		IssuerResponse:    f.IssuerResponse,
		TransferTicket:    f.TransferTicket,
		Status:            f.Status,
	}
}

// encodeSnapshot returns the canonical bytes of the snapshot with its
// fingerprint embedded. The fingerprint covers the content without itself.
func encodeSnapshot(s Snapshot) ([]byte, string, error) {
	s.Fingerprint = ""
	content, err := canonicalJSON(s)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(content)
	s.Fingerprint = hex.EncodeToString(sum[:])
	out, err := canonicalJSON(s)
	if err != nil {
		return nil, "", err
	}
	return out, s.Fingerprint, nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := canonicalizeJSON(&b, generic); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func canonicalizeJSON(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			ks, _ := json.Marshal(k)
			b.Write(ks)
			b.WriteByte(':')
			if err := canonicalizeJSON(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := canonicalizeJSON(b, t[i]); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case json.Number:
		b.WriteString(t.String())
		return nil
	default:
		bb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(bb)
		return nil
	}
}

func archiveKey(filingID string, fingerprint string) string {
	return "filings/" + filingID + "/" + fingerprint + ".json"
}

func exportKey(filingID string, fingerprint string) string {
	return "exports/" + filingID + "/" + fingerprint + ".json"
}
