// Package serviceaccount stores the machine clients that authenticate via
// the OAuth2 client-credentials grant.
package serviceaccount

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Status is the service account's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Account is a machine client record.
type Account struct {
	ClientID        string
	SecretHash      string
	Status          Status
	SecretExpiresAt pgtype.Timestamptz
	CreatedAt       time.Time
}

// Expired reports whether the account's secret has passed its expiry.
func (a Account) Expired(now time.Time) bool {
	return a.SecretExpiresAt.Valid && now.After(a.SecretExpiresAt.Time)
}

// CreateRequest is the JSON body for POST /api/v1/admin/service-accounts.
type CreateRequest struct {
	ClientID         string `json:"client_id" validate:"required"`
	SecretTTLSeconds int64  `json:"secret_ttl_seconds"`
}

// CreateResponse returns the generated client secret once, at creation
// time, the same way the wisbric API key endpoint returns a bearer secret
// exactly once on POST.
type CreateResponse struct {
	Response
	ClientSecret string `json:"client_secret"`
}

// Response is the JSON response for a service account. It never carries
// SecretHash.
type Response struct {
	ClientID        string     `json:"client_id"`
	Status          Status     `json:"status"`
	SecretExpiresAt *time.Time `json:"secret_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ToResponse converts an Account to its public Response.
func (a Account) ToResponse() Response {
	resp := Response{ClientID: a.ClientID, Status: a.Status, CreatedAt: a.CreatedAt}
	if a.SecretExpiresAt.Valid {
		t := a.SecretExpiresAt.Time
		resp.SecretExpiresAt = &t
	}
	return resp
}
