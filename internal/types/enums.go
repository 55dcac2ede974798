package types

// ProcessingStatus is the lifecycle state of a stored notification.
// The database enforces the same four values with a check constraint.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "Pending"
	StatusProcessing ProcessingStatus = "Processing"
	StatusCompleted  ProcessingStatus = "Completed"
	StatusFailed     ProcessingStatus = "Failed"
)

// Valid reports whether s is one of the recognized processing states.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Retryable reports whether a record in this state may be claimed by the
// retry engine.
func (s ProcessingStatus) Retryable() bool {
	return s == StatusPending || s == StatusFailed
}

// ChangeType is the kind of change the upstream source reports.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// UpsertResult describes the effect of an idempotent notification write.
type UpsertResult string

const (
	UpsertInserted  UpsertResult = "inserted"
	UpsertUpdated   UpsertResult = "updated"
	UpsertDuplicate UpsertResult = "duplicate"
)

// UnknownSegment is substituted for owner or message ids that cannot be
// extracted from a resource path.
const UnknownSegment = "unknown"
