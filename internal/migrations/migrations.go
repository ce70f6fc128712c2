package migrations

import "embed"

// Files contains SQL migrations for the postgres credential store, named
// NNN_description.sql and applied in lexical order.
//
//go:embed *.sql
var Files embed.FS
