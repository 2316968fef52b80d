// Package mysql 提供基于 MySQL 的委托、执行尝试与审计记录存储。
// 额度预留在单个事务内通过 SELECT ... FOR UPDATE 行锁完成，
// 多个网关实例共享同一数据库时依然不会超额支出。
package mysql
