package history

import "fmt"

// MaxPeriodYears is the longest registration term the registry accepts.
const MaxPeriodYears = 10

// Validate checks the per-type field rules of an entry. It does not look
// at the id or the timestamp; those are assigned by the unit of work.
func Validate(e HistoryEntry) error {
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("undefined type %d", int(e.Type))}
	}
	if !e.Parent.Kind.Valid() || e.Parent.ID == "" {
		return &ValidationError{Field: "parent", Message: fmt.Sprintf("malformed reference %q", e.Parent)}
	}
	if k := e.Type.ResourceKind(); k != "" && k != e.Parent.Kind {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("%s does not apply to a %s", e.Type, e.Parent.Kind)}
	}

	// Period present iff term-bearing.
	switch {
	case e.Type.IsTermBearing() && e.Period == nil:
		return &ValidationError{Field: "period", Message: fmt.Sprintf("%s requires a period", e.Type)}
	case !e.Type.IsTermBearing() && e.Period != nil:
		return &ValidationError{Field: "period", Message: fmt.Sprintf("%s does not carry a period", e.Type)}
	case e.Period != nil:
		if err := validatePeriod(*e.Period); err != nil {
			return err
		}
	}

	switch {
	case e.Type.IsTransferClass() && e.CounterpartRegistrarID == "":
		return &ValidationError{Field: "counterpartRegistrarId", Message: fmt.Sprintf("%s requires a counterpart", e.Type)}
	case !e.Type.IsTransferClass() && e.CounterpartRegistrarID != "":
		return &ValidationError{Field: "counterpartRegistrarId", Message: fmt.Sprintf("%s has no counterpart", e.Type)}
	}

	if e.Type.IsAutomatic() && e.Trid != nil {
		return &ValidationError{Field: "trid", Message: fmt.Sprintf("%s is not issued through the command path", e.Type)}
	}
	if e.Trid != nil && (e.Trid.ClientID == "" && e.Trid.ServerID == "") {
		return &ValidationError{Field: "trid", Message: "empty transaction id pair"}
	}
	if e.ActorRegistrarID == "" {
		return &ValidationError{Field: "actorRegistrarId", Message: "required"}
	}

	for _, rec := range e.TransactionRecords {
		if e.Parent.Kind != KindDomain {
			return &ValidationError{Field: "transactionRecords", Message: "only domain entries carry transaction records"}
		}
		if !rec.Field.Valid() {
			return &ValidationError{Field: "transactionRecords", Message: fmt.Sprintf("unknown field %q", rec.Field)}
		}
		if rec.TLD == "" || rec.ReportingTime.IsZero() {
			return &ValidationError{Field: "transactionRecords", Message: "tld and reporting time are required"}
		}
	}
	return nil
}

func validatePeriod(p Period) error {
	switch p.Unit {
	case UnitYears:
		if p.Value < 1 || p.Value > MaxPeriodYears {
			return &ValidationError{Field: "period", Message: fmt.Sprintf("%d years out of range 1..%d", p.Value, MaxPeriodYears)}
		}
	case UnitMonths:
		if p.Value < 1 || p.Value > MaxPeriodYears*12 {
			return &ValidationError{Field: "period", Message: fmt.Sprintf("%d months out of range", p.Value)}
		}
	default:
		return &ValidationError{Field: "period", Message: fmt.Sprintf("unknown unit %q", p.Unit)}
	}
	return nil
}
