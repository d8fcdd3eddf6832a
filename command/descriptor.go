/*
Package command turns validated command descriptors into ledger writes.

PURPOSE:
  The protocol front end validates a registrar's command and hands over a
  descriptor: who is acting, on what, with which term and transaction ids.
  This package converts the JSON form of that descriptor into Go types and
  executes it as one unit of work.

JSON SCHEMA:
  {
    "resource": "domain/example.tld",
    "command": "transfer",
    "transferOutcome": "request",
    "actor": "gaining-registrar",
    "counterpart": "losing-registrar",
    "period": {"value": 1, "unit": "YEARS"},
    "trid": {"clientId": "ABC-123", "serverId": "srv-9"},
    "superuser": false,
    "reason": "",
    "requestedByRegistrar": true,
    "payload": "PGVwcD4uLi48L2VwcD4="
  }

SEE ALSO:
  - executor.go: Executes a Descriptor
  - transfer/machine.go: Transfer commands
*/
package command

import (
	"encoding/json"
	"fmt"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/transfer"
)

// Kind is the command being executed.
type Kind string

const (
	Create        Kind = "create"
	Allocate      Kind = "allocate"
	Renew         Kind = "renew"
	Autorenew     Kind = "autorenew"
	Update        Kind = "update"
	Delete        Kind = "delete"
	PendingDelete Kind = "pending_delete"
	DeleteFailure Kind = "delete_failure"
	Restore       Kind = "restore"
	Transfer      Kind = "transfer"
	Import        Kind = "import"
	Synthetic     Kind = "synthetic"
)

// TransferOutcome is the transfer step a transfer command asks for.
type TransferOutcome string

const (
	TransferRequest TransferOutcome = "request"
	TransferApprove TransferOutcome = "approve"
	TransferReject  TransferOutcome = "reject"
	TransferCancel  TransferOutcome = "cancel"
)

// Descriptor is a validated command.
type Descriptor struct {
	Resource               history.ResourceRef
	Command                Kind
	TransferOutcome        TransferOutcome
	ActorRegistrarID       string
	CounterpartRegistrarID string
	Period                 *history.Period
	Trid                   *history.Trid
	BySuperuser            bool
	Reason                 string
	RequestedByRegistrar   bool
	Payload                []byte
}

// Metadata returns the fields copied onto the resulting entry.
func (d Descriptor) Metadata() history.Metadata {
	return history.Metadata{
		ActorRegistrarID:     d.ActorRegistrarID,
		Trid:                 d.Trid,
		Payload:              d.Payload,
		BySuperuser:          d.BySuperuser,
		Reason:               d.Reason,
		RequestedByRegistrar: d.RequestedByRegistrar,
	}
}

// Validate checks the descriptor shape. Business rules are checked when
// the command executes.
func (d Descriptor) Validate() error {
	if !d.Resource.Kind.Valid() || d.Resource.ID == "" {
		return &history.ValidationError{Field: "resource", Message: "required"}
	}
	if d.ActorRegistrarID == "" {
		return &history.ValidationError{Field: "actor", Message: "required"}
	}
	if _, err := d.EntryType(); err != nil {
		return err
	}
	if d.Trid != nil && (d.Command == Autorenew || d.Command == Synthetic) {
		return &history.ValidationError{Field: "trid", Message: fmt.Sprintf("%s commands are not issued by registrars", d.Command)}
	}
	return nil
}

// EntryType maps the command onto the entry type it records.
func (d Descriptor) EntryType() (history.Type, error) {
	k := d.Resource.Kind
	pick := func(domain, contact, host history.Type) (history.Type, error) {
		var t history.Type
		switch k {
		case history.KindDomain:
			t = domain
		case history.KindContact:
			t = contact
		case history.KindHost:
			t = host
		}
		if !t.Valid() {
			return history.TypeUnknown, &history.ValidationError{Field: "command", Message: fmt.Sprintf("%s does not apply to a %s", d.Command, k)}
		}
		return t, nil
	}
	none := history.TypeUnknown

	switch d.Command {
	case Create:
		return pick(history.DomainCreate, history.ContactCreate, history.HostCreate)
	case Allocate:
		return pick(history.DomainAllocate, none, none)
	case Renew:
		return pick(history.DomainRenew, none, none)
	case Autorenew:
		return pick(history.DomainAutorenew, none, none)
	case Update:
		return pick(history.DomainUpdate, history.ContactUpdate, history.HostUpdate)
	case Delete:
		return pick(history.DomainDelete, history.ContactDelete, history.HostDelete)
	case PendingDelete:
		return pick(none, history.ContactPendingDelete, history.HostPendingDelete)
	case DeleteFailure:
		return pick(none, history.ContactDeleteFailure, history.HostDeleteFailure)
	case Restore:
		return pick(history.DomainRestore, none, none)
	case Transfer:
		switch d.TransferOutcome {
		case TransferRequest:
			return pick(history.DomainTransferRequest, history.ContactTransferRequest, none)
		case TransferApprove:
			return pick(history.DomainTransferApprove, history.ContactTransferApprove, none)
		case TransferReject:
			return pick(history.DomainTransferReject, history.ContactTransferReject, none)
		case TransferCancel:
			return pick(history.DomainTransferCancel, history.ContactTransferCancel, none)
		}
		return none, &history.ValidationError{Field: "transferOutcome", Message: fmt.Sprintf("unknown outcome %q", d.TransferOutcome)}
	case Import:
		return history.RDEImport, nil
	case Synthetic:
		return history.Synthetic, nil
	}
	return none, &history.ValidationError{Field: "command", Message: fmt.Sprintf("unknown command %q", d.Command)}
}

func (o TransferOutcome) resolution() transfer.Outcome {
	switch o {
	case TransferApprove:
		return transfer.Approve
	case TransferReject:
		return transfer.Reject
	case TransferCancel:
		return transfer.Cancel
	}
	return ""
}

// =============================================================================
// JSON FORM
// =============================================================================

// DescriptorJSON is the wire form accepted by the HTTP intake.
type DescriptorJSON struct {
	Resource             string          `json:"resource"`
	Command              string          `json:"command"`
	TransferOutcome      string          `json:"transferOutcome,omitempty"`
	Actor                string          `json:"actor"`
	Counterpart          string          `json:"counterpart,omitempty"`
	Period               *history.Period `json:"period,omitempty"`
	Trid                 *history.Trid   `json:"trid,omitempty"`
	Superuser            bool            `json:"superuser"`
	Reason               string          `json:"reason"`
	RequestedByRegistrar bool            `json:"requestedByRegistrar"`
	Payload              []byte          `json:"payload,omitempty"`
}

// Parse decodes and validates a JSON descriptor.
func Parse(data []byte) (Descriptor, error) {
	var raw DescriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, &history.ValidationError{Field: "body", Message: err.Error()}
	}
	return raw.ToDescriptor()
}

// ToDescriptor converts and validates.
func (j DescriptorJSON) ToDescriptor() (Descriptor, error) {
	ref, err := history.ParseResourceRef(j.Resource)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Resource:               ref,
		Command:                Kind(j.Command),
		TransferOutcome:        TransferOutcome(j.TransferOutcome),
		ActorRegistrarID:       j.Actor,
		CounterpartRegistrarID: j.Counterpart,
		Period:                 j.Period,
		Trid:                   j.Trid,
		BySuperuser:            j.Superuser,
		Reason:                 j.Reason,
		RequestedByRegistrar:   j.RequestedByRegistrar,
		Payload:                j.Payload,
	}
	if d.Period != nil && d.Period.Unit == "" {
		d.Period.Unit = history.UnitYears
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
