// Package config 负责加载 AgentGuard 的 JSON 配置文件，补齐默认值，
// 并允许通过 AGENTGUARD_ 前缀的环境变量覆盖部署相关的字段。
package config
