// Package migrations 内嵌的 postgres 迁移文件
package migrations

import "embed"

// FS 迁移文件
//
//go:embed *.sql
var FS embed.FS
