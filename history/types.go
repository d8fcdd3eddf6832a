/*
types.go - Core types for the resource history ledger

PURPOSE:
  Defines the vocabulary shared by every other package: which resource an
  entry belongs to, what kind of mutation it records, and the immutable
  HistoryEntry itself.

KEY CONCEPTS:
  ResourceRef:  Reference to a domain, contact or host (kind + id)
  Type:         Closed enumeration of mutation kinds
  HistoryEntry: One immutable record per mutating command
  Resource:     Minimal mutable state changed together with an entry

TYPE ENUMERATION:
  Type is a closed set. Adding a new kind of mutation means adding a
  constant here AND a case to every switch in this file. The switches have
  no default branch that silently accepts unknown values.

SEE ALSO:
  - validate.go: Per-type field rules
  - tx.go: Append/list operations
  - transfer/machine.go: Transfer-class entries
*/
package history

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// RESOURCE REFERENCES
// =============================================================================

// Kind identifies the type of registry object an entry is scoped to.
type Kind string

const (
	KindDomain  Kind = "domain"
	KindContact Kind = "contact"
	KindHost    Kind = "host"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDomain, KindContact, KindHost:
		return true
	}
	return false
}

// ResourceRef identifies the parent resource of an entry.
// The ledger only holds the reference, never the resource itself.
type ResourceRef struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r ResourceRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// TLD returns the top-level domain of a domain reference ("tld" for
// "example.tld"), or "" for contacts and hosts.
func (r ResourceRef) TLD() string {
	if r.Kind != KindDomain {
		return ""
	}
	i := strings.LastIndex(r.ID, ".")
	if i < 0 || i == len(r.ID)-1 {
		return ""
	}
	return strings.ToLower(r.ID[i+1:])
}

// ParseResourceRef parses the "kind/id" form produced by String.
func ParseResourceRef(s string) (ResourceRef, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || id == "" || !Kind(kind).Valid() {
		return ResourceRef{}, &ValidationError{Field: "resource", Message: fmt.Sprintf("malformed reference %q", s)}
	}
	return ResourceRef{Kind: Kind(kind), ID: id}, nil
}

// =============================================================================
// ENTRY TYPE - closed enumeration
// =============================================================================

// Type is the kind of mutation an entry records.
type Type int

const (
	TypeUnknown Type = iota

	ContactCreate
	ContactDelete
	ContactDeleteFailure
	ContactPendingDelete
	ContactTransferApprove
	ContactTransferCancel
	ContactTransferReject
	ContactTransferRequest
	ContactTransferServerApprove
	ContactUpdate

	// DomainAllocate is only produced by legacy data imports.
	DomainAllocate
	DomainAutorenew
	DomainCreate
	DomainDelete
	DomainRenew
	DomainRestore
	DomainTransferApprove
	DomainTransferCancel
	DomainTransferReject
	DomainTransferRequest
	DomainTransferServerApprove
	DomainUpdate

	HostCreate
	HostDelete
	HostDeleteFailure
	HostPendingDelete
	HostUpdate

	// RDEImport marks a resource loaded from an escrow deposit.
	RDEImport

	// Synthetic entries are written by administrative tooling, never by
	// the normal command path.
	Synthetic

	typeSentinel
)

var typeNames = [...]string{
	TypeUnknown:                  "UNKNOWN",
	ContactCreate:                "CONTACT_CREATE",
	ContactDelete:                "CONTACT_DELETE",
	ContactDeleteFailure:         "CONTACT_DELETE_FAILURE",
	ContactPendingDelete:         "CONTACT_PENDING_DELETE",
	ContactTransferApprove:       "CONTACT_TRANSFER_APPROVE",
	ContactTransferCancel:        "CONTACT_TRANSFER_CANCEL",
	ContactTransferReject:        "CONTACT_TRANSFER_REJECT",
	ContactTransferRequest:       "CONTACT_TRANSFER_REQUEST",
	ContactTransferServerApprove: "CONTACT_TRANSFER_SERVER_APPROVE",
	ContactUpdate:                "CONTACT_UPDATE",
	DomainAllocate:               "DOMAIN_ALLOCATE",
	DomainAutorenew:              "DOMAIN_AUTORENEW",
	DomainCreate:                 "DOMAIN_CREATE",
	DomainDelete:                 "DOMAIN_DELETE",
	DomainRenew:                  "DOMAIN_RENEW",
	DomainRestore:                "DOMAIN_RESTORE",
	DomainTransferApprove:        "DOMAIN_TRANSFER_APPROVE",
	DomainTransferCancel:         "DOMAIN_TRANSFER_CANCEL",
	DomainTransferReject:         "DOMAIN_TRANSFER_REJECT",
	DomainTransferRequest:        "DOMAIN_TRANSFER_REQUEST",
	DomainTransferServerApprove:  "DOMAIN_TRANSFER_SERVER_APPROVE",
	DomainUpdate:                 "DOMAIN_UPDATE",
	HostCreate:                   "HOST_CREATE",
	HostDelete:                   "HOST_DELETE",
	HostDeleteFailure:            "HOST_DELETE_FAILURE",
	HostPendingDelete:            "HOST_PENDING_DELETE",
	HostUpdate:                   "HOST_UPDATE",
	RDEImport:                    "RDE_IMPORT",
	Synthetic:                    "SYNTHETIC",
}

// Types returns every defined entry type in declaration order.
func Types() []Type {
	out := make([]Type, 0, int(typeSentinel)-1)
	for t := TypeUnknown + 1; t < typeSentinel; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) String() string {
	if t < 0 || t >= typeSentinel {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the defined variants.
func (t Type) Valid() bool {
	return t > TypeUnknown && t < typeSentinel
}

// ParseType is the inverse of String.
func ParseType(s string) (Type, error) {
	for t := TypeUnknown + 1; t < typeSentinel; t++ {
		if typeNames[t] == s {
			return t, nil
		}
	}
	return TypeUnknown, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown entry type %q", s)}
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("marshal entry type: %w", ErrInvalidEntry)
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ResourceKind returns the kind of resource this type applies to.
// RDEImport and Synthetic apply to any kind and return "".
func (t Type) ResourceKind() Kind {
	switch t {
	case ContactCreate, ContactDelete, ContactDeleteFailure, ContactPendingDelete,
		ContactTransferApprove, ContactTransferCancel, ContactTransferReject,
		ContactTransferRequest, ContactTransferServerApprove, ContactUpdate:
		return KindContact
	case DomainAllocate, DomainAutorenew, DomainCreate, DomainDelete, DomainRenew,
		DomainRestore, DomainTransferApprove, DomainTransferCancel, DomainTransferReject,
		DomainTransferRequest, DomainTransferServerApprove, DomainUpdate:
		return KindDomain
	case HostCreate, HostDelete, HostDeleteFailure, HostPendingDelete, HostUpdate:
		return KindHost
	case RDEImport, Synthetic, TypeUnknown, typeSentinel:
		return ""
	}
	panic(fmt.Sprintf("history: unhandled type %d", int(t)))
}

// IsTermBearing reports whether entries of this type carry a Period.
// Contact transfers move sponsorship only, so they carry no term.
func (t Type) IsTermBearing() bool {
	switch t {
	case DomainAllocate, DomainAutorenew, DomainCreate, DomainRenew, DomainRestore,
		DomainTransferRequest, DomainTransferApprove, DomainTransferServerApprove:
		return true
	case ContactCreate, ContactDelete, ContactDeleteFailure, ContactPendingDelete,
		ContactTransferApprove, ContactTransferCancel, ContactTransferReject,
		ContactTransferRequest, ContactTransferServerApprove, ContactUpdate,
		DomainDelete, DomainTransferCancel, DomainTransferReject, DomainUpdate,
		HostCreate, HostDelete, HostDeleteFailure, HostPendingDelete, HostUpdate,
		RDEImport, Synthetic, TypeUnknown, typeSentinel:
		return false
	}
	panic(fmt.Sprintf("history: unhandled type %d", int(t)))
}

// IsTransferClass reports whether the type is one of the transfer
// transitions. Transfer state is derived from the latest such entry.
func (t Type) IsTransferClass() bool {
	switch t {
	case ContactTransferRequest, ContactTransferApprove, ContactTransferCancel,
		ContactTransferReject, ContactTransferServerApprove,
		DomainTransferRequest, DomainTransferApprove, DomainTransferCancel,
		DomainTransferReject, DomainTransferServerApprove:
		return true
	case ContactCreate, ContactDelete, ContactDeleteFailure, ContactPendingDelete, ContactUpdate,
		DomainAllocate, DomainAutorenew, DomainCreate, DomainDelete, DomainRenew,
		DomainRestore, DomainUpdate,
		HostCreate, HostDelete, HostDeleteFailure, HostPendingDelete, HostUpdate,
		RDEImport, Synthetic, TypeUnknown, typeSentinel:
		return false
	}
	panic(fmt.Sprintf("history: unhandled type %d", int(t)))
}

// IsTransferRequest reports whether the type opens a transfer.
func (t Type) IsTransferRequest() bool {
	return t == DomainTransferRequest || t == ContactTransferRequest
}

// IsAutomatic reports whether entries of this type are written by the
// server without an inbound command, and therefore never carry a
// transaction-id pair.
func (t Type) IsAutomatic() bool {
	switch t {
	case Synthetic, DomainAutorenew, DomainTransferServerApprove, ContactTransferServerApprove:
		return true
	}
	return false
}

// =============================================================================
// VALUE TYPES
// =============================================================================

// PeriodUnit is the unit of a registration term.
type PeriodUnit string

const (
	UnitYears  PeriodUnit = "YEARS"
	UnitMonths PeriodUnit = "MONTHS"
)

// Period is a registration term. A nil *Period means "no term", which is
// different from a zero-length one.
type Period struct {
	Value int        `json:"value"`
	Unit  PeriodUnit `json:"unit"`
}

// Years returns a term of n years.
func Years(n int) *Period {
	return &Period{Value: n, Unit: UnitYears}
}

// AddTo extends t by the period.
func (p Period) AddTo(t time.Time) time.Time {
	if p.Unit == UnitMonths {
		return t.AddDate(0, p.Value, 0)
	}
	return t.AddDate(p.Value, 0, 0)
}

// InYears returns the period in whole years, rounding months down.
func (p Period) InYears() int {
	if p.Unit == UnitMonths {
		return p.Value / 12
	}
	return p.Value
}

func (p Period) String() string {
	return fmt.Sprintf("%d %s", p.Value, strings.ToLower(string(p.Unit)))
}

// Trid is the client + server transaction identifier pair.
type Trid struct {
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId"`
}

func (t Trid) String() string {
	return t.ClientID + "|" + t.ServerID
}

// ReportField is a monthly transaction report column.
type ReportField string

const (
	FieldTransferSuccessful    ReportField = "TRANSFER_SUCCESSFUL"
	FieldTransferNacked        ReportField = "TRANSFER_NACKED"
	FieldDeletedDomainsGrace   ReportField = "DELETED_DOMAINS_GRACE"
	FieldDeletedDomainsNograce ReportField = "DELETED_DOMAINS_NOGRACE"
	FieldRestoredDomains       ReportField = "RESTORED_DOMAINS"
)

// NetAddsField returns the NET_ADDS column for a term of years.
func NetAddsField(years int) ReportField {
	return ReportField(fmt.Sprintf("NET_ADDS_%d_YR", years))
}

// NetRenewsField returns the NET_RENEWS column for a term of years.
func NetRenewsField(years int) ReportField {
	return ReportField(fmt.Sprintf("NET_RENEWS_%d_YR", years))
}

// Valid reports whether f is a known report column.
func (f ReportField) Valid() bool {
	switch f {
	case FieldTransferSuccessful, FieldTransferNacked, FieldDeletedDomainsGrace,
		FieldDeletedDomainsNograce, FieldRestoredDomains:
		return true
	}
	for n := 1; n <= MaxPeriodYears; n++ {
		if f == NetAddsField(n) || f == NetRenewsField(n) {
			return true
		}
	}
	return false
}

// TransactionRecord is one (field, amount) pair for monthly reporting.
type TransactionRecord struct {
	TLD           string      `json:"tld"`
	ReportingTime time.Time   `json:"reportingTime"`
	Field         ReportField `json:"field"`
	Amount        int         `json:"amount"`
}

// =============================================================================
// HISTORY ENTRY
// =============================================================================

// HistoryEntry is the immutable record of one mutating command.
type HistoryEntry struct {
	ID        int64       `json:"id"`
	Parent    ResourceRef `json:"parent"`
	Type      Type        `json:"type"`
	Period    *Period     `json:"period,omitempty"`
	Payload   []byte      `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	ActorRegistrarID       string `json:"actorRegistrarId"`
	CounterpartRegistrarID string `json:"counterpartRegistrarId,omitempty"`

	Trid                 *Trid  `json:"trid,omitempty"`
	BySuperuser          bool   `json:"bySuperuser"`
	Reason               string `json:"reason"`
	RequestedByRegistrar bool   `json:"requestedByRegistrar"`

	TransactionRecords []TransactionRecord `json:"transactionRecords,omitempty"`
}

// Key renders the composite key "kind/id/entryID".
func (e HistoryEntry) Key() string {
	return fmt.Sprintf("%s/%d", e.Parent, e.ID)
}

// Clone returns a deep copy.
func (e HistoryEntry) Clone() HistoryEntry {
	out := e
	if e.Period != nil {
		p := *e.Period
		out.Period = &p
	}
	if e.Trid != nil {
		t := *e.Trid
		out.Trid = &t
	}
	if e.Payload != nil {
		out.Payload = bytes.Clone(e.Payload)
	}
	if e.TransactionRecords != nil {
		out.TransactionRecords = slices.Clone(e.TransactionRecords)
	}
	return out
}

// Equal compares two entries field by field. Timestamps compare by instant.
func (e HistoryEntry) Equal(o HistoryEntry) bool {
	if e.ID != o.ID || e.Parent != o.Parent || e.Type != o.Type ||
		!e.Timestamp.Equal(o.Timestamp) ||
		e.ActorRegistrarID != o.ActorRegistrarID ||
		e.CounterpartRegistrarID != o.CounterpartRegistrarID ||
		e.BySuperuser != o.BySuperuser || e.Reason != o.Reason ||
		e.RequestedByRegistrar != o.RequestedByRegistrar ||
		!bytes.Equal(e.Payload, o.Payload) {
		return false
	}
	if (e.Period == nil) != (o.Period == nil) || (e.Period != nil && *e.Period != *o.Period) {
		return false
	}
	if (e.Trid == nil) != (o.Trid == nil) || (e.Trid != nil && *e.Trid != *o.Trid) {
		return false
	}
	return slices.EqualFunc(e.TransactionRecords, o.TransactionRecords, func(a, b TransactionRecord) bool {
		return a.TLD == b.TLD && a.Field == b.Field && a.Amount == b.Amount && a.ReportingTime.Equal(b.ReportingTime)
	})
}

// Metadata carries the command-path fields copied onto every entry a
// unit of work records.
type Metadata struct {
	ActorRegistrarID     string
	Trid                 *Trid
	Payload              []byte
	BySuperuser          bool
	Reason               string
	RequestedByRegistrar bool
}

// Apply copies the metadata onto e.
func (m Metadata) Apply(e *HistoryEntry) {
	e.ActorRegistrarID = m.ActorRegistrarID
	e.Trid = m.Trid
	e.Payload = m.Payload
	e.BySuperuser = m.BySuperuser
	e.Reason = m.Reason
	e.RequestedByRegistrar = m.RequestedByRegistrar
}

// =============================================================================
// RESOURCE STATE
// =============================================================================

// Resource is the mutable state of a registry object that commands change
// together with their entry: who sponsors it and its term.
type Resource struct {
	Ref                ResourceRef `json:"ref"`
	SponsorRegistrarID string      `json:"sponsorRegistrarId"`
	CreatedAt          time.Time   `json:"createdAt"`
	ExpiresAt          *time.Time  `json:"expiresAt,omitempty"`
	LastTransferAt     *time.Time  `json:"lastTransferAt,omitempty"`
	DeletedAt          *time.Time  `json:"deletedAt,omitempty"`
}

// Deleted reports whether the resource has been deleted.
func (r Resource) Deleted() bool {
	return r.DeletedAt != nil
}

// Equal compares two resources by value.
func (r Resource) Equal(o Resource) bool {
	return r.Ref == o.Ref && r.SponsorRegistrarID == o.SponsorRegistrarID &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		timePtrEqual(r.ExpiresAt, o.ExpiresAt) &&
		timePtrEqual(r.LastTransferAt, o.LastTransferAt) &&
		timePtrEqual(r.DeletedAt, o.DeletedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
