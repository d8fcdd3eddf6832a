package reporting

import (
	"time"

	"github.com/backwardn/nomulus/history"
)

// NetAdds counts a new registration of the given term.
func NetAdds(tld string, years int, at time.Time) history.TransactionRecord {
	return record(tld, at, history.NetAddsField(clampYears(years)), 1)
}

// NetRenews counts a renewal, autorenewal or the term added by a transfer.
func NetRenews(tld string, years int, at time.Time) history.TransactionRecord {
	return record(tld, at, history.NetRenewsField(clampYears(years)), 1)
}

func TransferSuccessful(tld string, at time.Time) history.TransactionRecord {
	return record(tld, at, history.FieldTransferSuccessful, 1)
}

func TransferNacked(tld string, at time.Time) history.TransactionRecord {
	return record(tld, at, history.FieldTransferNacked, 1)
}

// Deleted counts a deletion, split by whether it fell inside the add grace period.
func Deleted(tld string, withinGrace bool, at time.Time) history.TransactionRecord {
	if withinGrace {
		return record(tld, at, history.FieldDeletedDomainsGrace, 1)
	}
	return record(tld, at, history.FieldDeletedDomainsNograce, 1)
}

func Restored(tld string, at time.Time) history.TransactionRecord {
	return record(tld, at, history.FieldRestoredDomains, 1)
}

func record(tld string, at time.Time, f history.ReportField, n int) history.TransactionRecord {
	return history.TransactionRecord{TLD: tld, ReportingTime: at.UTC(), Field: f, Amount: n}
}

func clampYears(n int) int {
	return min(max(n, 1), history.MaxPeriodYears)
}
