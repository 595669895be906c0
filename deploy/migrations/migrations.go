package migrations

import "embed"

// Files 暴露查询任务与持仓表的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
