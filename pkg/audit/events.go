package audit

// EventType represents the kind of audit event
type EventType string

const (
	// Instance lifecycle events
	EventLatestStatus         EventType = "latest-status"
	EventRequestToLaunch      EventType = "request-to-launch"
	EventRequestToTerminate   EventType = "request-to-terminate"
	EventShutdownConfirmation EventType = "shutdown-confirmation"
	EventReconfigure          EventType = "reconfigure"
	EventUnsetReconfigure     EventType = "unset-reconfigure"

	// Group-scoped scaling events
	EventAutoScalerAction EventType = "autoscaler-action"
	EventLauncherAction   EventType = "launcher-action"
	EventLastAutoScalerRun EventType = "last-autoscaler-run"
	EventLastLauncherRun   EventType = "last-launcher-run"
)

// AutoscalerActionType identifies the direction of a desired-count change
type AutoscalerActionType string

const (
	ActionIncreaseDesiredCount AutoscalerActionType = "increaseDesiredCount"
	ActionDecreaseDesiredCount AutoscalerActionType = "decreaseDesiredCount"
)

// LauncherActionType identifies the direction of a launcher reconcile
type LauncherActionType string

const (
	ActionScaleUp   LauncherActionType = "scaleUp"
	ActionScaleDown LauncherActionType = "scaleDown"
)

// AutoscalerActionPayload records one desired-count change and the metric
// window that justified it.
type AutoscalerActionPayload struct {
	Timestamp       int64                `json:"timestamp"`
	ActionType      AutoscalerActionType `json:"actionType"`
	Count           int                  `json:"count"`
	OldDesiredCount int                  `json:"oldDesiredCount"`
	NewDesiredCount int                  `json:"newDesiredCount"`
	ScaleMetrics    []float64            `json:"scaleMetrics"`
}

// LauncherActionPayload records one launcher reconcile action.
type LauncherActionPayload struct {
	Timestamp     int64              `json:"timestamp"`
	ActionType    LauncherActionType `json:"actionType"`
	Count         int                `json:"count"`
	DesiredCount  int                `json:"desiredCount"`
	ScaleQuantity int                `json:"scaleQuantity"`
}
