package pg

import (
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending goose migration from fsys against the
// database described by cfg.
func Migrate(cfg Config, fsys fs.FS) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(fsys)
	return goose.Up(db, ".")
}
