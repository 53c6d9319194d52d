package metrics

import "strings"

// Prefix is prepended to every metric exported by taskvisor.
const Prefix = "taskvisor_"

// MetricName returns name with the taskvisor prefix applied exactly once.
func MetricName(name string) string {
	if strings.HasPrefix(name, Prefix) {
		return name
	}
	return Prefix + name
}

// MetricNameWithSubsystem joins a subsystem and a metric name under the prefix.
func MetricNameWithSubsystem(subsystem, name string) string {
	subsystem = strings.Trim(subsystem, "_")
	name = strings.Trim(name, "_")
	switch {
	case subsystem == "":
		return MetricName(name)
	case name == "":
		return MetricName(subsystem)
	default:
		return MetricName(subsystem + "_" + name)
	}
}
