package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// SignalingOffer is the body posted to the WebRTC play endpoint.
type SignalingOffer struct {
	API       string `json:"api"`
	TID       string `json:"tid"`
	StreamURL string `json:"streamurl"`
	ClientIP  any    `json:"clientip"`
	SDP       string `json:"sdp"`
}

// SignalingAnswer is the play endpoint's reply. Code 0 means success.
type SignalingAnswer struct {
	Code      int    `json:"code"`
	SDP       string `json:"sdp"`
	SessionID string `json:"sessionid"`
	Server    string `json:"server,omitempty"`
}

type SignalingClient struct {
	*BaseClient
}

func NewSignalingClient() *SignalingClient {
	return &SignalingClient{BaseClient: NewBaseClient("")}
}

// PostOffer sends the local offer to an absolute signaling endpoint.
func (c *SignalingClient) PostOffer(ctx context.Context, endpoint string, offer SignalingOffer) (SignalingAnswer, error) {
	payload, err := json.Marshal(offer)
	if err != nil {
		return SignalingAnswer{}, fmt.Errorf("failed to marshal offer: %w", err)
	}
	body, err := c.Post(ctx, endpoint, bytes.NewReader(payload), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return SignalingAnswer{}, fmt.Errorf("failed to post offer: %w", err)
	}

	var answer SignalingAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		return SignalingAnswer{}, fmt.Errorf("failed to unmarshal answer: %w", err)
	}
	if answer.Code != 0 {
		return answer, fmt.Errorf("signaling returned code %d", answer.Code)
	}
	return answer, nil
}
