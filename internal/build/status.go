package build

// Status describes a build or stage outcome. Builds move QUEUED ->
// RUNNING -> one terminal status; stages additionally use PENDING and
// SKIPPED.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusUnstable Status = "UNSTABLE"
	StatusFailure  Status = "FAILURE"
	StatusAborted  Status = "ABORTED"
	StatusSkipped  Status = "SKIPPED"
)

// Terminal reports whether the status ends a build. SKIPPED is
// terminal for stages only; a finished build never carries it.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusUnstable, StatusFailure, StatusAborted, StatusSkipped:
		return true
	}
	return false
}

// severity orders outcomes for roll-up. Higher wins.
var severity = map[Status]int{
	StatusSkipped:  0,
	StatusSuccess:  1,
	StatusUnstable: 2,
	StatusFailure:  3,
	StatusAborted:  4,
}

// Worst returns the more severe of two outcomes. A sequence's result
// is the Worst over its stages.
func Worst(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// ParseStatus validates a status string from an external source.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusQueued, StatusPending, StatusRunning, StatusSuccess,
		StatusUnstable, StatusFailure, StatusAborted, StatusSkipped:
		return Status(s), true
	}
	return "", false
}
