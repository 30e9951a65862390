// Package migrations holds the goose SQL migrations for the message store,
// embedded so the binaries can apply them on startup.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
