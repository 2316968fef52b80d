// Package api 以 REST 形式暴露委托授权核心：创建、查询、撤销、执行委托，
// 获取 EIP-712 签名数据，以及按委托人查询审计记录。错误码统一映射为 HTTP 状态码，
// 执行被拒绝时返回 {"rejected": {...}}，包含违反的约束与观测值。
package api
