// Package discovery implements the bazaar resource catalog. Resources are
// recorded from successful settlements and served through the facilitator's
// discovery endpoint so buyers can find paid endpoints.
package discovery

import (
	x402 "github.com/x402kit/facilitator"
)

// Extension is the key under which discovery data travels in a payment
// payload's extensions map.
const Extension = "bazaar"

// Resource is a cataloged paid endpoint.
type Resource struct {
	// Resource is the normalized URL of the x402-protected endpoint.
	Resource string `json:"resource"`
	// Type is the resource type (currently only "http").
	Type string `json:"type"`
	// Method is the HTTP method the endpoint was paid through.
	Method string `json:"method,omitempty"`
	// X402Version is the protocol version the resource was seen with.
	X402Version int `json:"x402Version"`
	// Accepts contains the payment requirements the resource settled under.
	Accepts []x402.PaymentRequirements `json:"accepts"`
	// LastUpdated is the RFC 3339 time of the most recent settlement.
	LastUpdated string `json:"lastUpdated"`
	// Metadata carries validated info from the payload's bazaar extension.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ListResponse is the body of GET /discovery/resources.
type ListResponse struct {
	X402Version int        `json:"x402Version"`
	Items       []Resource `json:"items"`
	Pagination  Pagination `json:"pagination"`
}

// Pagination describes the window a list response covers.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// extensionEnvelope is the shape of a bazaar extension entry: free-form
// info optionally paired with a JSON schema the info must satisfy.
type extensionEnvelope struct {
	Info   map[string]interface{} `json:"info,omitempty"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}
