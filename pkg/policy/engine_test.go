package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmpool/vmpool/pkg/engine"
)

func testVariables() engine.Variables {
	return engine.Variables{
		"name":         "lin2dv2-ssb",
		"vm_names":     []string{"lin2dv2-ssb-10001", "lin2dv2-ssb-10002"},
		"quantity":     2,
		"start_number": 10001,
		"num_cpus":     4,
		"memory":       8192,
		"disk_size":    60,
		"additional_disks": []map[string]any{
			{"size": 100, "type": "thin"},
		},
		"dns_servers":  []string{"10.20.0.10", "10.20.0.11"},
		"ipv4_address": []string{"10.20.30.11", "10.20.30.12"},
		"ipv4_netmask": 24,
		"ipv4_gateway": "10.20.30.1",
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err, "Failed to create engine")
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"addressing", "disk-layout", "memory-alignment", "pool-size"}, names)
}

func TestEvaluateAllowsValidPool(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), "req-1", testVariables())
	require.NoError(t, err)
	require.True(t, result.Allowed, "violations: %+v", result.Violations)
	assert.Empty(t, result.Warnings)
	assert.Len(t, result.EvaluatedPolicies, 4)
}

func TestEvaluateBuiltinViolations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(v engine.Variables)
		allowed bool
		policy  string
		field   string
		message string
	}{
		{
			name:    "unaligned memory",
			mutate:  func(v engine.Variables) { v["memory"] = 8193 },
			policy:  "memory-alignment",
			field:   "memory",
			message: "not a multiple of 4 MB",
		},
		{
			name: "too many disks",
			mutate: func(v engine.Variables) {
				disks := make([]map[string]any, 15)
				for i := range disks {
					disks[i] = map[string]any{"size": 10, "type": "thin"}
				}
				v["additional_disks"] = disks
			},
			policy:  "disk-layout",
			field:   "additional_disks",
			message: "exceed the controller limit of 15",
		},
		{
			name: "oversized disk",
			mutate: func(v engine.Variables) {
				v["additional_disks"] = []map[string]any{{"size": 70000, "type": "thick"}}
			},
			policy:  "disk-layout",
			field:   "additional_disks[0].size",
			message: "maximum is 63488 GB",
		},
		{
			name:    "address is gateway",
			mutate:  func(v engine.Variables) { v["ipv4_address"] = []string{"10.20.30.11", "10.20.30.1"} },
			policy:  "addressing",
			field:   "ipv4_address[1]",
			message: "address 10.20.30.1 of lin2dv2-ssb-10002 is the gateway",
		},
		{
			name:    "address is dns server",
			mutate:  func(v engine.Variables) { v["ipv4_address"] = []string{"10.20.0.10", "10.20.30.12"} },
			policy:  "addressing",
			field:   "ipv4_address[0]",
			message: "is a DNS server",
		},
		{
			name:    "large pool only warns",
			mutate:  func(v engine.Variables) { v["quantity"] = 30 },
			allowed: true,
			policy:  "pool-size",
			field:   "quantity",
			message: "pool of 30 VMs",
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := testVariables()
			tt.mutate(vars)

			result, err := eng.Evaluate(context.Background(), "req-1", vars)
			require.NoError(t, err)
			require.Equal(t, tt.allowed, result.Allowed, "%+v", result)

			found := append(append([]Violation{}, result.Violations...), result.Warnings...)
			matched := false
			for _, v := range found {
				if v.Policy == tt.policy && v.Field == tt.field && strings.Contains(v.Message, tt.message) {
					matched = true
				}
			}
			assert.True(t, matched, "Expected %s violation on %s containing %q, got %+v", tt.policy, tt.field, tt.message, found)
		})
	}
}

func TestEvaluateSummary(t *testing.T) {
	eng := newTestEngine(t)
	vars := testVariables()
	vars["memory"] = 1025

	result, err := eng.Evaluate(context.Background(), "req-1", vars)
	require.NoError(t, err)
	assert.Equal(t, "memory-alignment: memory 1025 MB is not a multiple of 4 MB", result.Summary())
}

func TestSetPoliciesCustom(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.SetPolicies(context.Background(), []Policy{{
		Name:    "naming",
		Enabled: true,
		Rego: `package site.naming

import rego.v1

deny contains msg if {
	not startswith(input.variables.name, "lin")
	msg := sprintf("pool %s must start with lin", [input.variables.name])
}

deny contains msg if {
	input.request_id == "blocked"
	msg := "request is blocked"
}
`,
	}})
	require.NoError(t, err)

	vars := testVariables()
	vars["name"] = "win-app"
	result, err := eng.Evaluate(context.Background(), "blocked", vars)
	require.NoError(t, err)
	require.False(t, result.Allowed, "Expected custom policy to reject")
	require.Len(t, result.Violations, 2)
	assert.Equal(t, SeverityError, result.Violations[0].Severity)
	assert.Equal(t, "pool win-app must start with lin", result.Violations[0].Message)
}

func TestSetPoliciesCompileErrorKeepsCurrentSet(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.SetPolicies(context.Background(), []Policy{{
		Name:    "broken",
		Enabled: true,
		Rego:    "package broken\n\ndeny contains msg if {",
	}})
	require.Error(t, err, "Expected compile error")

	_, err = eng.GetPolicy("broken")
	assert.Error(t, err, "Broken policy must not be installed")
	assert.Len(t, eng.ListPolicies(), 4, "Expected built-ins to remain")
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	require.NoError(t, eng.DisablePolicy("memory-alignment"))
	vars := testVariables()
	vars["memory"] = 8193

	result, err := eng.Evaluate(context.Background(), "req-1", vars)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "Disabled policy must not reject: %+v", result.Violations)

	require.NoError(t, eng.EnablePolicy("memory-alignment"))
	result, err = eng.Evaluate(context.Background(), "req-1", vars)
	require.NoError(t, err)
	assert.False(t, result.Allowed, "Re-enabled policy must reject")

	assert.Error(t, eng.DisablePolicy("missing"), "Expected error for unknown policy")
}
