// Package migrations 内嵌 MySQL 建表脚本，文件名前缀即版本号。
package migrations

import "embed"

// Files 包含委托、执行尝试、审计与迁移记录表的 SQL。
//
//go:embed *.sql
var Files embed.FS
