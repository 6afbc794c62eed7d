// Package tool 维护一个封闭的工具注册表：编排器只能调用这里登记的
// 服务工具，不支持运行期动态注册。每个工具对应一个付费服务商。
package tool

import (
	"context"
	"fmt"

	xerrors "MNEE-Hub/internal/errors"
)

// Invocation 是一次工具调用的输入。
type Invocation struct {
	TaskID          string         `json:"task_id"`
	AgentID         string         `json:"agent_id"`
	ServiceCallHash string         `json:"service_call_hash"`
	Params          map[string]any `json:"params"`
}

// Tool 是一个可调用的服务工具。
type Tool interface {
	Name() string
	Execute(ctx context.Context, inv Invocation) (map[string]any, error)
}

// Registry 是封闭的工具注册表。
type Registry struct {
	tools map[string]Tool
}

// NewRegistry 登记给定工具，构造后不可再修改。
func NewRegistry(tools ...Tool) *Registry {
	index := make(map[string]Tool, len(tools))
	for _, t := range tools {
		index[t.Name()] = t
	}
	return &Registry{tools: index}
}

// Get 按名称查找工具，未登记的名称返回 CodeToolNotFound。
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("工具 %s 未登记", name))
	}
	return t, nil
}

// Names 返回已登记的工具名称。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
