// Package embedsql embeds the Context/Memory Store's SQL schema.
package embedsql

import _ "embed"

// Schema is the memory_entries table definition applied on Store.Open.
//
//go:embed schema.sql
var Schema string
