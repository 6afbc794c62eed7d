// Package config 统一管理 MNEE-Hub 的启动配置。
// 守护进程配置为 JSON 文件；Agent/Service 的策略配置为独立的
// YAML 文件，由 internal/policy 负责解析。
package config
