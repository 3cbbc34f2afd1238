package access

// Gated is a document carrying an access level whose premium fields can be
// withheld. Implementations must use pointer receivers for Redact.
type Gated interface {
	AccessLevel() Level
	Redact(d Decision)
}

// Lock is embedded in gated documents and describes why they are redacted.
type Lock struct {
	Locked       bool   `json:"locked"`
	LockReason   Reason `json:"lock_reason,omitempty"`
	RequiredTier Tier   `json:"required_tier,omitempty"`
}

// Apply marks the lock from a denied decision.
func (l *Lock) Apply(d Decision) {
	l.Locked = true
	l.LockReason = d.Reason
	l.RequiredTier = d.RequiredTier
}

// Gate checks v against doc and redacts doc in place when access is
// denied. Teaser fields stay so pages can render an upsell.
func Gate(v Viewer, doc Gated) Decision {
	d := Check(v, doc.AccessLevel())
	if !d.Allowed {
		doc.Redact(d)
	}
	return d
}

// GateAll applies Gate to every document and returns how many were locked.
func GateAll[T Gated](v Viewer, docs []T) int {
	locked := 0
	for _, doc := range docs {
		if !Gate(v, doc).Allowed {
			locked++
		}
	}
	return locked
}
