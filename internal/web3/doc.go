// Package web3 封装链访问能力：链配置加载、交易提交接口与链快照。
// 具体的 EVM 实现位于 ethereum 子包，provider 子包按配置组装多链客户端。
package web3
