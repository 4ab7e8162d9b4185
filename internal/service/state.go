package service

// State is a step of a checkout run.
type State int

const (
	StateStart State = iota
	StateSolutionsFetched
	StatePreSyncPatched
	StateSynced
	StateDepsPinned
	StatePostSyncPatched
	StateDone
	StatePatchFailed
	StateSyncFailedRetrying
	StateInactive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateSolutionsFetched:
		return "SOLUTIONS_FETCHED"
	case StatePreSyncPatched:
		return "PRE_SYNC_PATCHED"
	case StateSynced:
		return "SYNCED"
	case StateDepsPinned:
		return "DEPS_PINNED"
	case StatePostSyncPatched:
		return "POST_SYNC_PATCHED"
	case StateDone:
		return "DONE"
	case StatePatchFailed:
		return "PATCH_FAILED"
	case StateSyncFailedRetrying:
		return "SYNC_FAILED_RETRYING"
	case StateInactive:
		return "INACTIVE"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}
