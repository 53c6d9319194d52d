package metrics

import "testing"

func TestMetricName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "adds prefix", input: "tasks_started_total", expected: "taskvisor_tasks_started_total"},
		{name: "keeps prefixed", input: "taskvisor_custom_metric", expected: "taskvisor_custom_metric"},
		{name: "blank returns prefix", input: "", expected: "taskvisor_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MetricName(tt.input); got != tt.expected {
				t.Fatalf("MetricName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMetricNameWithSubsystem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		subsystem  string
		metricName string
		expected   string
	}{
		{name: "subsystem and name", subsystem: "supervisor", metricName: "tasks_total", expected: "taskvisor_supervisor_tasks_total"},
		{name: "subsystem trims underscore", subsystem: "_notify_", metricName: "dropped_total", expected: "taskvisor_notify_dropped_total"},
		{name: "empty name", subsystem: "permission", metricName: "", expected: "taskvisor_permission"},
		{name: "empty subsystem", subsystem: "", metricName: "up", expected: "taskvisor_up"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MetricNameWithSubsystem(tt.subsystem, tt.metricName); got != tt.expected {
				t.Fatalf("MetricNameWithSubsystem(%q, %q) = %q, want %q", tt.subsystem, tt.metricName, got, tt.expected)
			}
		})
	}
}
