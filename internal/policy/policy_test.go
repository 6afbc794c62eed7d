package policy

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "MNEE-Hub/internal/errors"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadAgentPolicies(t *testing.T) {
	path := writeTempFile(t, "agents.yaml", `
agents:
  - id: startup-agent
    priority: LOW
    dailyBudget: 20.0
    maxPerCall: 5.0
  - id: analyst-agent
    dailyBudget: 50.0
    maxPerCall: 10.0
`)
	agents, err := LoadAgentPolicies(path)
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len(agents) = %d, want 2", len(agents))
	}
	if agents[0].Priority != PriorityLow {
		t.Fatalf("priority = %s, want LOW", agents[0].Priority)
	}
	// 未指定优先级时回退到 NORMAL。
	if agents[1].Priority != PriorityNormal {
		t.Fatalf("default priority = %s, want NORMAL", agents[1].Priority)
	}
}

func TestLoadAgentPoliciesRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{name: "空文件", content: "agents: []\n"},
		{name: "缺少 id", content: "agents:\n  - priority: HIGH\n    dailyBudget: 1\n"},
		{name: "负预算", content: "agents:\n  - id: a\n    dailyBudget: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, "agents.yaml", tc.content)
			if _, err := LoadAgentPolicies(path); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("err = %v, want CodeConfigInvalid", err)
			}
		})
	}
}

func TestLoadServicePolicies(t *testing.T) {
	path := writeTempFile(t, "services.yaml", `
services:
  - id: image_gen
    unitPrice: 1.0
    providerAddress: "0xprovider01"
    active: true
    denyAgents: [rogue-agent]
`)
	services, err := LoadServicePolicies(path)
	if err != nil {
		t.Fatalf("load services: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("len(services) = %d, want 1", len(services))
	}
	if services[0].ProviderAddress != "0xprovider01" {
		t.Fatalf("providerAddress = %s", services[0].ProviderAddress)
	}
	if len(services[0].DenyAgents) != 1 || services[0].DenyAgents[0] != "rogue-agent" {
		t.Fatalf("denyAgents = %v", services[0].DenyAgents)
	}
}
