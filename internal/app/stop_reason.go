package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopStorageLost StopReason = "storage_unavailable"
)
