package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"ReliefChain/deploy/migrations"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/pkg/logger"
)

const schemaTable = "relief_schema_migrations"

// schemaStep 是一个迁移文件：版本号取文件名中第一个下划线之前的部分。
type schemaStep struct {
	version string
	file    string
	stmts   []string
}

func (s *MySQLStore) runMigrations(ctx context.Context) error {
	return s.migrate(ctx, migrations.Files)
}

// migrate 按版本顺序执行 fsys 中尚未记录的迁移，每个文件一个事务。
func (s *MySQLStore) migrate(ctx context.Context, fsys fs.FS) error {
	log := logger.Named("store")
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+schemaTable+` (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建迁移记录表失败")
	}

	steps, err := readSchemaSteps(fsys)
	if err != nil {
		return err
	}
	done, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, step := range steps {
		if done[step.version] {
			continue
		}
		pending++
		if err := s.withTx(ctx, func(tx *sql.Tx) error { return applyStep(ctx, tx, step) }); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "数据库迁移失败",
				xerrors.WithMetadata("version", step.version),
				xerrors.WithMetadata("file", step.file))
		}
		log.Info("已执行数据库迁移", "version", step.version, "file", step.file, "statements", len(step.stmts))
	}
	log.Debug("数据库迁移检查完成", "known", len(steps), "applied", pending)
	return nil
}

func (s *MySQLStore) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM `+schemaTable)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询已执行迁移失败")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
		}
		done[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移版本失败")
	}
	return done, nil
}

// withTx 在事务中执行 fn，fn 返回错误时回滚。
func (s *MySQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func applyStep(ctx context.Context, tx *sql.Tx, step schemaStep) error {
	for i, stmt := range step.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d of %s: %w", i+1, step.file, err)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO `+schemaTable+` (version, applied_at) VALUES (?, ?)`,
		step.version, time.Now().Unix())
	return err
}

// readSchemaSteps 读取根目录下的 .sql 文件并按版本排序。同一版本出现两次视为配置错误。
func readSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	seen := make(map[string]string)
	var steps []schemaStep
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败",
				xerrors.WithMetadata("file", e.Name()))
		}
		stmts := statements(string(body))
		if len(stmts) == 0 {
			continue
		}
		version := stepVersion(e.Name())
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeStorageFailure,
				fmt.Sprintf("迁移版本 %s 重复: %s 与 %s", version, prev, e.Name()))
		}
		seen[version] = e.Name()
		steps = append(steps, schemaStep{version: version, file: e.Name(), stmts: stmts})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// statements 去掉整行的 -- 注释后按分号切分。
func statements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func stepVersion(file string) string {
	name := strings.TrimSuffix(file, path.Ext(file))
	if i := strings.IndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}
