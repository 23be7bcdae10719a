package domain

import "sort"

const (
	FieldObligation  = "obligation"
	FieldLockedCount = "locked_count"
)

// BalanceField names the balance field for an asset.
func BalanceField(asset string) string { return "balance:" + asset }

// ReconciledView holds authoritative ledger values for an account plus the
// overlay of operations that are still submitted.
type ReconciledView struct {
	Account     string            `json:"account"`
	Fields      map[string]Amount `json:"fields"`
	LockedItems []string          `json:"locked_items"`
	Overlay     map[string]Amount `json:"overlay,omitempty"`
	InFlight    []string          `json:"in_flight,omitempty"`
	Unresolved  []string          `json:"unresolved,omitempty"`
	ReadAt      string            `json:"read_at" format:"date-time"`
}

// Authoritative returns the ledger value of a field, zero when not read.
func (v ReconciledView) Authoritative(field string) Amount {
	if a, ok := v.Fields[field]; ok {
		return a
	}
	return Zero
}

// Effective returns the authoritative value with any in-flight delta applied.
func (v ReconciledView) Effective(field string) Amount {
	base := v.Authoritative(field)
	if d, ok := v.Overlay[field]; ok {
		return base.Add(d)
	}
	return base
}

// Blocked reports whether an operation for this account is still unresolved.
func (v ReconciledView) Blocked() bool {
	return len(v.InFlight) > 0 || len(v.Unresolved) > 0
}

// FieldNames returns the field names in stable order.
func (v ReconciledView) FieldNames() []string {
	names := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
