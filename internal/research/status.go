package research

// Status is the lifecycle state of a research lineage.
type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusGenerating, StatusReady, StatusFailed:
		return true
	}
	return false
}

// IsActive reports whether an execution owns the subject.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusGenerating
}

// IsTerminal reports whether s ends an attempt chain.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether a lineage may move from one status to another.
// attempt is the attempt number of the execution entering `to`.
//
// failed re-enters generating only as a retry (attempt > 0) while attempts
// remain; a new lineage (attempt 0) starts over at pending.
func CanTransition(from, to Status, attempt int) bool {
	switch from {
	case StatusNone:
		return to == StatusPending && attempt == 0
	case StatusPending:
		return to == StatusGenerating
	case StatusGenerating:
		return to == StatusReady || to == StatusFailed
	case StatusReady:
		return to == StatusPending && attempt == 0
	case StatusFailed:
		if to == StatusGenerating {
			return attempt > 0 && attempt <= MaxRetries
		}
		return to == StatusPending && attempt == 0
	}
	return false
}
