package governor

import (
	"fmt"
	"time"
)

// ResourceType names a monitored resource.
type ResourceType string

// Monitored resources.
const (
	ResourceMemory        ResourceType = "memory"
	ResourceCPU           ResourceType = "cpu"
	ResourceDBPool        ResourceType = "db_pool"
	ResourceToolExecution ResourceType = "tool_execution"
	ResourceConversation  ResourceType = "conversation_context"
)

// ResourceTypes lists every monitored resource in sampling order.
var ResourceTypes = []ResourceType{
	ResourceMemory,
	ResourceCPU,
	ResourceDBPool,
	ResourceToolExecution,
	ResourceConversation,
}

// Units used by ResourceLimit.
const (
	UnitPercent   = "percent"
	UnitSeconds   = "seconds"
	UnitMegabytes = "MB"
)

// ResourceLimit holds soft and hard thresholds for one resource.
type ResourceLimit struct {
	// Type is the limited resource.
	Type ResourceType `json:"resource_type"`
	// Soft raises a warning when reached.
	Soft float64 `json:"soft_limit"`
	// Hard raises a critical alert when reached.
	Hard float64 `json:"hard_limit"`
	// Unit describes Soft and Hard.
	Unit string `json:"unit"`
	// Enabled turns checks for this resource on.
	Enabled bool `json:"enabled"`
}

// Validate checks that thresholds are ordered and non-negative.
func (l ResourceLimit) Validate() error {
	if l.Soft < 0 || l.Hard < 0 {
		return fmt.Errorf("resource %s: limits must be non-negative", l.Type)
	}
	if l.Soft > l.Hard {
		return fmt.Errorf("resource %s: soft limit %.2f exceeds hard limit %.2f", l.Type, l.Soft, l.Hard)
	}
	return nil
}

// DefaultLimits returns the default limit for every resource type.
func DefaultLimits() map[ResourceType]ResourceLimit {
	return map[ResourceType]ResourceLimit{
		ResourceMemory:        {Type: ResourceMemory, Soft: 80, Hard: 90, Unit: UnitPercent, Enabled: true},
		ResourceCPU:           {Type: ResourceCPU, Soft: 70, Hard: 85, Unit: UnitPercent, Enabled: true},
		ResourceDBPool:        {Type: ResourceDBPool, Soft: 80, Hard: 95, Unit: UnitPercent, Enabled: true},
		ResourceToolExecution: {Type: ResourceToolExecution, Soft: 30, Hard: 60, Unit: UnitSeconds, Enabled: true},
		ResourceConversation:  {Type: ResourceConversation, Soft: 50, Hard: 100, Unit: UnitMegabytes, Enabled: true},
	}
}

// AlertLevel is the severity of a ResourceAlert.
type AlertLevel string

// Alert levels.
const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// ResourceUsage is one sampled value of a resource.
type ResourceUsage struct {
	Type      ResourceType `json:"resource_type"`
	Value     float64      `json:"value"`
	Unit      string       `json:"unit"`
	Timestamp time.Time    `json:"timestamp"`
}

// ResourceAlert is emitted when usage reaches a soft or hard limit, or when a
// live execution outlives its timeout.
type ResourceAlert struct {
	Type        ResourceType `json:"resource_type"`
	Level       AlertLevel   `json:"level"`
	Value       float64      `json:"value"`
	Limit       float64      `json:"limit"`
	Message     string       `json:"message"`
	Timestamp   time.Time    `json:"timestamp"`
	ToolName    string       `json:"tool_name,omitempty"`
	ExecutionID string       `json:"execution_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
}

// evaluate returns the alert for value against limit, if any.
func evaluate(limit ResourceLimit, value float64, now time.Time) (ResourceAlert, bool) {
	if !limit.Enabled {
		return ResourceAlert{}, false
	}
	alert := ResourceAlert{Type: limit.Type, Value: value, Timestamp: now}
	switch {
	case value >= limit.Hard:
		alert.Level = AlertCritical
		alert.Limit = limit.Hard
	case value >= limit.Soft:
		alert.Level = AlertWarning
		alert.Limit = limit.Soft
	default:
		return ResourceAlert{}, false
	}
	alert.Message = fmt.Sprintf("%s usage %.2f %s reached %s limit %.2f", limit.Type, value, limit.Unit, alert.Level, alert.Limit)
	return alert, true
}

// ResourceLimitError reports a resource above its hard limit.
type ResourceLimitError struct {
	Resource ResourceType
	Value    float64
	Limit    float64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource %s at %.2f exceeds hard limit %.2f", e.Resource, e.Value, e.Limit)
}
