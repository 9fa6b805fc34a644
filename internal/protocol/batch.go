package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/brewflow/internal/domain"
)

// Batch is the JSON body of every typed batch message, on the client wire
// and between stages. Rows stay raw so that only the operator that owns a
// stage decodes them into its entity type.
type Batch struct {
	Rows []json.RawMessage `json:"rows"`
	EOF  bool              `json:"eof"`
}

// EOFBatch is the terminal marker sent downstream once per session.
func EOFBatch() Batch { return Batch{EOF: true} }

// Encode serializes the batch body.
func (b Batch) Encode() ([]byte, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	return body, nil
}

// DecodeBatch parses a batch body.
func DecodeBatch(body []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	return b, nil
}

// Rows decodes every row of the batch into T. A single undecodable row fails
// the whole batch; the caller nacks it as a bad payload.
func Rows[T any](b Batch) ([]T, error) {
	out := make([]T, 0, len(b.Rows))
	for i, raw := range b.Rows {
		var row T
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrBadPayload, i, err)
		}
		out = append(out, row)
	}
	return out, nil
}

// MarshalRows encodes entities into raw batch rows.
func MarshalRows[T any](rows []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rows))
	for i, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("marshal row %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// MarshalRow encodes one entity as a raw batch row.
func MarshalRow(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	return raw, nil
}

// ResultDoc is the payload of a TypeResult packet: one formatted query answer.
type ResultDoc struct {
	Query    string          `json:"query"`
	Document json.RawMessage `json:"document"`
}
