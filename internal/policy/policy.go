package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "MNEE-Hub/internal/errors"
)

// Action 表示策略引擎对一次消费请求的裁决动作。
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionDeny      Action = "DENY"
	ActionDowngrade Action = "DOWNGRADE"
)

// RiskLevel 表示风险评估结论。
type RiskLevel string

const (
	RiskOK     RiskLevel = "RISK_OK"
	RiskReview RiskLevel = "RISK_REVIEW"
	RiskBlock  RiskLevel = "RISK_BLOCK"
)

// Priority 表示 Agent 的优先级档位。
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// AgentPolicy 描述单个 Agent 的预算配置。
type AgentPolicy struct {
	AgentID     string   `yaml:"id"`
	Priority    Priority `yaml:"priority"`
	DailyBudget float64  `yaml:"dailyBudget"`
	MaxPerCall  float64  `yaml:"maxPerCall"`
}

// ServicePolicy 描述一个可付费服务的定价与访问控制。
type ServicePolicy struct {
	ServiceID       string   `yaml:"id"`
	UnitPrice       float64  `yaml:"unitPrice"`
	ProviderAddress string   `yaml:"providerAddress"`
	Active          bool     `yaml:"active"`
	AllowAgents     []string `yaml:"allowAgents"`
	DenyAgents      []string `yaml:"denyAgents"`
}

// UsageSnapshot 是某个 Agent 的消费计数器快照。
type UsageSnapshot struct {
	AgentID    string  `json:"agent_id"`
	SpentToday float64 `json:"spent_today"`
	SpentTotal float64 `json:"spent_total"`
	Reserved   float64 `json:"reserved"`
	CallsToday int     `json:"calls_today"`
}

// Decision 是一次准入评估的结果，仅在调用链上同步传递，不做持久化。
type Decision struct {
	Action           Action    `json:"action"`
	ApprovedQuantity int       `json:"approved_quantity"`
	ApprovedCost     float64   `json:"approved_cost"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Reason           string    `json:"reason"`
}

// Denied 判断裁决是否为拒绝。
func (d Decision) Denied() bool {
	return d.Action == ActionDeny
}

type agentsFile struct {
	Agents []AgentPolicy `yaml:"agents"`
}

type servicesFile struct {
	Services []ServicePolicy `yaml:"services"`
}

// LoadAgentPolicies 解析 agents.yaml。
func LoadAgentPolicies(path string) ([]AgentPolicy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("读取 Agent 策略文件 %s 失败", path))
	}
	var parsed agentsFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析 Agent 策略文件失败")
	}
	if len(parsed.Agents) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Agent 策略文件中没有任何 agent")
	}
	for i := range parsed.Agents {
		agent := &parsed.Agents[i]
		if strings.TrimSpace(agent.AgentID) == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "agent 配置缺少 id")
		}
		if agent.DailyBudget < 0 || agent.MaxPerCall < 0 {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("agent %s 的预算配置为负数", agent.AgentID))
		}
		if agent.Priority == "" {
			agent.Priority = PriorityNormal
		}
	}
	return parsed.Agents, nil
}

// LoadServicePolicies 解析 services.yaml。
func LoadServicePolicies(path string) ([]ServicePolicy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("读取服务策略文件 %s 失败", path))
	}
	var parsed servicesFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析服务策略文件失败")
	}
	for _, service := range parsed.Services {
		if strings.TrimSpace(service.ServiceID) == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "service 配置缺少 id")
		}
		if service.UnitPrice < 0 {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("service %s 的单价为负数", service.ServiceID))
		}
	}
	return parsed.Services, nil
}
