package authority

import "encoding/json"

// NoResourcesReason is the reason the authority reports, with code 404,
// when a query matches nothing. It is not an error.
const NoResourcesReason = "No resources matching the request."

// LeaseRequest is the body of a lease creation.
type LeaseRequest struct {
	Name       string            `json:"name"`
	ValidFrom  string            `json:"valid_from"`
	ValidUntil string            `json:"valid_until"`
	Account    AccountAttributes `json:"account_attributes"`
	Components []ComponentRef    `json:"components"`
}

type AccountAttributes struct {
	Name string `json:"name"`
}

type ComponentRef struct {
	UUID string `json:"uuid"`
}

// LeaseUpdate carries only the fields the caller wants changed.
type LeaseUpdate struct {
	UUID       string `json:"uuid"`
	ValidFrom  string `json:"valid_from,omitempty"`
	ValidUntil string `json:"valid_until,omitempty"`
}

type leaseRef struct {
	UUID string `json:"uuid"`
}

// Node is the part of a node resource the agent needs.
type Node struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	URN  string `json:"urn,omitempty"`
}

type envelope struct {
	ResourceResponse *resourceResponse `json:"resource_response"`
	Exception        *exception        `json:"exception"`
	Error            json.RawMessage   `json:"error"`
}

type resourceResponse struct {
	Resources []json.RawMessage `json:"resources"`
	Resource  json.RawMessage   `json:"resource"`
	Response  string            `json:"response"`
	About     string            `json:"about,omitempty"`
}

type exception struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}
