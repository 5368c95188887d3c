package cluster

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Member describes one peer node of the cluster as reported by the
// membership source, including the locality metadata used for replication
// target selection.
type Member struct {
	Address        string  `json:"address"`
	Datacenter     string  `json:"datacenter"`
	Region         string  `json:"region"`
	Zone           string  `json:"zone"`
	LocalityWeight float64 `json:"locality_weight"`
	Healthy        bool    `json:"healthy"`
}

// RequestType discriminates the closed set of cluster message kinds.
type RequestType string

const (
	RequestPing         RequestType = "PING"
	RequestStatus       RequestType = "STATUS"
	RequestInstanceSync RequestType = "INSTANCE_SYNC"
	RequestHealthReport RequestType = "HEALTH_REPORT"
)

// Request is the envelope carried to a peer. Payload holds the variant body
// encoded as JSON; Type tells the receiver how to decode it.
type Request struct {
	ID      string          `json:"id"`
	Type    RequestType     `json:"type"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the peer's reply to a Request.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds an envelope of the given type, marshaling body as the
// payload. A nil body produces an empty payload.
func NewRequest(t RequestType, sender string, body any) (*Request, error) {
	req := &Request{
		ID:     uuid.NewString(),
		Type:   t,
		Sender: sender,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req.Payload = raw
	}
	return req, nil
}

// BroadcastResult is the per-member outcome of a broadcast fan-out.
type BroadcastResult struct {
	Address  string
	Response *Response
	Err      error
}
