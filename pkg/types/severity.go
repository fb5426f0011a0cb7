package types

import (
	"encoding/json"
	"fmt"
)

// Severity ranks diagnostic findings. The ordering is total: a higher value
// always dominates when computing the status of a group or report.
type Severity int

const (
	SeveritySuccess Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeveritySuccess:  "success",
	SeverityInfo:     "info",
	SeverityWarning:  "warning",
	SeverityError:    "error",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalJSON encodes severities as their lowercase names so reports stay
// readable on the wire.
func (s Severity) MarshalJSON() ([]byte, error) {
	name, ok := severityNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown severity %d", int(s))
	}
	return json.Marshal(name)
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", name)
}

// Category identifies a diagnostic check group.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryConnectivity  Category = "connectivity"
	CategoryLTPA          Category = "ltpa"
	CategorySession       Category = "session"
	CategoryPerformance   Category = "performance"
	CategoryLogs          Category = "logs"
)

// CategoryOrder is the fixed rendering order for report groups.
var CategoryOrder = []Category{
	CategoryConfiguration,
	CategoryConnectivity,
	CategoryLTPA,
	CategorySession,
	CategoryPerformance,
	CategoryLogs,
}
