package classifier

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Intent is the closed set of effects a provider event can request. The
// unexported marker keeps other packages from adding variants.
type Intent interface {
	Kind() string
	intent()
}

type GrantCredits struct {
	AccountID          snowflake.ID
	Amount             int64
	SourceEventID      string
	ProviderCustomerID string
}

type RevokeCredits struct {
	AccountID     snowflake.ID
	Amount        int64
	SourceEventID string
}

type ActivateEntitlement struct {
	AccountID          snowflake.ID
	EventTimestamp     time.Time
	ProviderCustomerID string
}

type MarkPaymentFailed struct {
	AccountID      snowflake.ID
	EventTimestamp time.Time
}

type CancelEntitlement struct {
	AccountID      snowflake.ID
	EventTimestamp time.Time
}

// Unsupported is recorded and acknowledged. Permanent marks a recognized
// event that can never be applied, as opposed to one we do not handle.
type Unsupported struct {
	EventType string
	Reason    string
	Permanent bool
}

// DeferredRetry asks the provider to redeliver once the customer is linked.
type DeferredRetry struct {
	EventType          string
	ProviderCustomerID string
}

func (GrantCredits) Kind() string        { return "grant_credits" }
func (RevokeCredits) Kind() string       { return "revoke_credits" }
func (ActivateEntitlement) Kind() string { return "activate_entitlement" }
func (MarkPaymentFailed) Kind() string   { return "mark_payment_failed" }
func (CancelEntitlement) Kind() string   { return "cancel_entitlement" }
func (Unsupported) Kind() string         { return "unsupported" }
func (DeferredRetry) Kind() string       { return "deferred_retry" }

func (GrantCredits) intent()        {}
func (RevokeCredits) intent()       {}
func (ActivateEntitlement) intent() {}
func (MarkPaymentFailed) intent()   {}
func (CancelEntitlement) intent()   {}
func (Unsupported) intent()         {}
func (DeferredRetry) intent()       {}
