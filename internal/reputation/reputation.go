// Package reputation resolves content hashes to threat verdicts.
//
// Lookups are advisory: the scan pipeline must function fully offline, so
// every path through this package degrades to "no data" rather than an
// error the caller has to handle specially. Verdicts are cached with a TTL
// through an injected Cache rather than state embedded in the client.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Rating is the coarse verdict band returned by a reputation source.
type Rating string

const (
	RatingBad     Rating = "bad"
	RatingPoor    Rating = "poor"
	RatingUnknown Rating = "unknown"
	RatingGood    Rating = "good"
)

// Verdict is the result of a reputation lookup.
type Verdict struct {
	Hash       string  `json:"hash"`
	Rating     Rating  `json:"rating"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Service resolves a hex SHA-256 digest to a verdict. Implementations must
// honor the context deadline.
type Service interface {
	Lookup(ctx context.Context, hexDigest string) (*Verdict, error)
}

// Client queries a remote threat-intelligence API.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient creates a reputation client for the given endpoint. The timeout
// bounds each lookup; reputation is advisory and must never stall a scan.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// lookupRequest is the wire format of the threat-intelligence API.
type lookupRequest struct {
	Hash string `json:"hash"`
}

type lookupResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Lookup queries the remote API for a verdict on the digest.
func (c *Client) Lookup(ctx context.Context, hexDigest string) (*Verdict, error) {
	body, err := json.Marshal(lookupRequest{Hash: hexDigest})
	if err != nil {
		return nil, fmt.Errorf("marshal lookup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup: %w", err)
	}
	defer resp.Body.Close()

	// 404 means the hash is not in the database, which is a valid
	// "unknown" answer, not a failure.
	if resp.StatusCode == http.StatusNotFound {
		return &Verdict{Hash: hexDigest, Rating: RatingUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reputation lookup: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}

	var lr lookupResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, fmt.Errorf("unmarshal lookup response: %w", err)
	}

	v := &Verdict{
		Hash:       hexDigest,
		Rating:     parseRating(lr.Verdict),
		Confidence: lr.Confidence,
		Source:     lr.Source,
	}
	return v, nil
}

func parseRating(s string) Rating {
	switch Rating(s) {
	case RatingBad, RatingPoor, RatingGood:
		return Rating(s)
	default:
		return RatingUnknown
	}
}
