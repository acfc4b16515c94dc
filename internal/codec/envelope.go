package codec

// BatchRequest is the payload of one request frame sent by the broker. Items
// are opaque payloads encoded in the service format; IDs optionally carry the
// broker's job identifiers and are echoed back untouched.
type BatchRequest struct {
	CorrelationID string   `json:"correlation_id"`
	Items         [][]byte `json:"items"`
	IDs           []string `json:"ids,omitempty"`
}

// BatchResponse mirrors a BatchRequest: Results[i] answers Items[i].
type BatchResponse struct {
	CorrelationID string       `json:"correlation_id"`
	Results       []ItemResult `json:"results"`
	IDs           []string     `json:"ids,omitempty"`
	ErrorIDs      []string     `json:"error_ids,omitempty"`
}

// ItemResult holds exactly one of OK or Error.
type ItemResult struct {
	OK    []byte     `json:"ok,omitempty"`
	Error *ItemError `json:"error,omitempty"`
}

type ItemError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (r ItemResult) Failed() bool {
	return r.Error != nil
}

// DecodedItem is one item of a frame after decoding. Err is set when the
// item's bytes are malformed; Value is nil in that case.
type DecodedItem struct {
	Value any
	Err   error
}

// DecodeItems decodes every payload independently so that one malformed item
// never aborts its siblings.
func DecodeItems(c Codec, items [][]byte) []DecodedItem {
	out := make([]DecodedItem, len(items))
	for idx, payload := range items {
		value, err := Decode(c, payload)
		if err != nil {
			out[idx] = DecodedItem{Err: err}
			continue
		}
		out[idx] = DecodedItem{Value: value}
	}
	return out
}

// FailedIDs returns the broker ids of failed results. It returns nil when the
// request carried no ids or the id list does not line up with the results.
func FailedIDs(ids []string, results []ItemResult) []string {
	if len(ids) == 0 || len(ids) != len(results) {
		return nil
	}
	var failed []string
	for idx, result := range results {
		if result.Failed() {
			failed = append(failed, ids[idx])
		}
	}
	return failed
}
