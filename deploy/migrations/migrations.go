package migrations

import "embed"

// Files 暴露注册表与提交流程的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
