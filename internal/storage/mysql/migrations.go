package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"AgentGuard-Chain/deploy/migrations"
	xerrors "AgentGuard-Chain/internal/errors"
	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

var embeddedMigrations fs.FS = migrations.Files

const createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    checksum CHAR(66) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// migration 对应一个 SQL 文件，checksum 为文件内容的 Keccak256。
type migration struct {
	version    string
	file       string
	checksum   string
	statements []string
}

// Migrate 依次执行尚未应用的嵌入式迁移，返回本次应用的版本。
// 已应用的文件内容若被修改，会拒绝继续执行。
func Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	pending, err := pendingMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	log := logger.Named("storage")
	var versions []string
	for _, m := range pending {
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return storageError(err, fmt.Sprintf("执行迁移 %s 失败", m.file))
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
				m.version, m.checksum, time.Now().Unix())
			if err != nil {
				return storageError(err, "记录迁移版本失败")
			}
			return nil
		})
		if err != nil {
			return versions, err
		}
		log.Info("已应用数据库迁移", slog.String("version", m.version), slog.String("file", m.file))
		versions = append(versions, m.version)
	}
	return versions, nil
}

// PendingMigrations 返回尚未应用的迁移版本，除按需创建 schema_migrations 外不做任何修改。
func PendingMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	pending, err := pendingMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(pending))
	for _, m := range pending {
		versions = append(versions, m.version)
	}
	return versions, nil
}

func pendingMigrations(ctx context.Context, db *sql.DB) ([]migration, error) {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return nil, storageError(err, "创建 schema_migrations 表失败")
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return nil, err
	}

	var pending []migration
	for _, m := range all {
		checksum, ok := applied[m.version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if checksum != m.checksum {
			return nil, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("迁移 %s 在应用后被修改", m.file),
				xerrors.WithMetadata("recorded", checksum),
				xerrors.WithMetadata("current", m.checksum))
		}
	}
	return pending, nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, storageError(err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, storageError(err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

// loadMigrations 读取目录下的 .sql 文件并按版本排序，空文件会被跳过。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{
			version:    migrationVersion(name),
			file:       name,
			checksum:   crypto.Keccak256Hash(content).Hex(),
			statements: statements,
		})
	}

	slices.SortFunc(out, func(a, b migration) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.file, b.file)
	})
	return out, nil
}

// splitStatements 按分号切分语句，脚本中不允许出现带分号的字符串字面量。
func splitStatements(content string) []string {
	var statements []string
	for stmt := range strings.SplitSeq(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线之前的部分，例如 0001_init.sql 为 0001。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
