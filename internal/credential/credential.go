// Package credential manages the ordered, quota-aware pool of AI provider
// credentials shared by every running operation.
package credential

import (
	"errors"
	"strings"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// Provider names the third-party AI service a credential authenticates against.
type Provider string

// ProviderGemini is the only provider currently supported.
const ProviderGemini Provider = "gemini"

// Outcome classifies one reported credential usage.
type Outcome string

// Usage outcomes recorded in the per-credential log.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeQuota   Outcome = "quota_exceeded"
	OutcomeError   Outcome = "error"
)

var (
	// ErrNoCredentialAvailable is returned by Acquire when every credential is
	// inactive or over quota.
	ErrNoCredentialAvailable = errors.New("no credential available")
	// ErrInvalidPermutation is returned by Reorder when the ids are not exactly
	// the current id set.
	ErrInvalidPermutation = errors.New("reorder ids are not a permutation of the pool")
	// ErrCredentialInUse is returned by Remove while a lease is outstanding.
	ErrCredentialInUse = errors.New("credential is in use")
	// ErrNotFound signals an unknown credential id.
	ErrNotFound = errors.New("credential not found")
	// ErrInvalidCredential signals a rejected add or update payload.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Credential is the full state of one pool member. Secret is only handed to
// workers through a Lease and never serialized.
type Credential struct {
	ID            string
	Alias         string
	Provider      Provider
	Secret        string
	Priority      int
	Active        bool
	QuotaExceeded bool
	QuotaResetAt  *time.Time
	UsageCount    int64
	UsageByKind   map[enrich.Kind]int64
	ErrorCount    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// View is the externally visible projection of a Credential.
type View struct {
	ID            string                `json:"id"`
	Alias         string                `json:"alias"`
	Provider      Provider              `json:"provider"`
	MaskedSecret  string                `json:"masked_secret"`
	Priority      int                   `json:"priority"`
	Active        bool                  `json:"active"`
	QuotaExceeded bool                  `json:"quota_exceeded"`
	QuotaResetAt  *time.Time            `json:"quota_reset_at,omitempty"`
	UsageCount    int64                 `json:"usage_count"`
	UsageByKind   map[enrich.Kind]int64 `json:"usage_by_kind"`
	ErrorCount    int64                 `json:"error_count"`
	InFlight      int64                 `json:"in_flight"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// View projects the credential without its secret.
func (c Credential) View() View {
	return View{
		ID:            c.ID,
		Alias:         c.Alias,
		Provider:      c.Provider,
		MaskedSecret:  MaskSecret(c.Secret),
		Priority:      c.Priority,
		Active:        c.Active,
		QuotaExceeded: c.QuotaExceeded,
		QuotaResetAt:  c.QuotaResetAt,
		UsageCount:    c.UsageCount,
		UsageByKind:   c.UsageByKind,
		ErrorCount:    c.ErrorCount,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// MaskSecret keeps the last four characters of a secret.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", 8) + secret[len(secret)-4:]
}

// Spec describes a credential to add.
type Spec struct {
	Alias    string   `json:"alias" validate:"required,min=1,max=64"`
	Provider Provider `json:"provider" validate:"omitempty,oneof=gemini"`
	Secret   string   `json:"secret" validate:"required,min=8"`
	Active   *bool    `json:"active"`
}

// Patch describes an admin edit. Nil fields are left unchanged.
type Patch struct {
	Alias      *string `json:"alias" validate:"omitempty,min=1,max=64"`
	Secret     *string `json:"secret" validate:"omitempty,min=8"`
	Active     *bool   `json:"active"`
	ClearQuota bool    `json:"clear_quota"`
}

// UsageEntry is one line of a credential's usage log.
type UsageEntry struct {
	At      time.Time   `json:"timestamp"`
	Kind    enrich.Kind `json:"kind,omitempty"`
	Outcome Outcome     `json:"outcome"`
	Message string      `json:"error_message,omitempty"`
}
