package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The unique key on torrents.info_hash is how conflicts are detected, it is never suspended
// whether it is declared as a constraint or as a bare unique index.
const (
	constraintsQuery = `
		SELECT
		    cl.relname, c.conname, pg_get_constraintdef(c.oid), c.contype::text
		FROM
		    pg_constraint c
		JOIN pg_class cl ON cl.oid = c.conrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		WHERE
		    n.nspname = current_schema()
		    AND cl.relname IN ('torrents', 'files')
		    AND c.contype <> 'n'
		    AND NOT (
		        cl.relname = 'torrents' AND c.contype IN ('u', 'p')
		        AND c.conkey = ARRAY[(
		            SELECT a.attnum FROM pg_attribute a WHERE a.attrelid = cl.oid AND a.attname = 'info_hash'
		        )]
		    )
		ORDER BY
		    CASE WHEN c.contype = 'f' THEN 0 ELSE 1 END, c.contype, cl.relname, c.conname`
	indicesQuery = `
		SELECT
		    t.relname, i.relname, pg_get_indexdef(i.oid)
		FROM
		    pg_index x
		JOIN pg_class i ON i.oid = x.indexrelid
		JOIN pg_class t ON t.oid = x.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE
		    n.nspname = current_schema()
		    AND t.relname IN ('torrents', 'files')
		    AND NOT (
		        t.relname = 'torrents' AND x.indisunique AND x.indnatts = 1
		        AND x.indkey[0] = (
		            SELECT a.attnum FROM pg_attribute a WHERE a.attrelid = t.oid AND a.attname = 'info_hash'
		        )
		    )
		    AND NOT EXISTS (
		        SELECT 1 FROM pg_constraint c WHERE c.conindid = x.indexrelid AND c.contype IN ('p', 'u', 'x')
		    )
		ORDER BY
		    t.relname, i.relname`
)

type constraintDef struct {
	Table string
	Name  string
	Def   string
	Type  string
}

func (c constraintDef) dropSQL() string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", quote(c.Table), quote(c.Name))
}

func (c constraintDef) createSQL() string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", quote(c.Table), quote(c.Name), c.Def)
}

type indexDef struct {
	Table string
	Name  string
	Def   string
}

func (i indexDef) dropSQL() string {
	return "DROP INDEX " + quote(i.Name)
}

// suspension holds what Suspend dropped, in drop order
type suspension struct {
	db          *pgx.Conn
	constraints []constraintDef
	indices     []indexDef
}

// restoreStatements recreates indices first, then constraints in the reverse of their drop
// order so foreign keys come last
func (s *suspension) restoreStatements() []string {
	var stmts []string
	for _, idx := range s.indices {
		stmts = append(stmts, idx.Def)
	}
	for i := len(s.constraints) - 1; i >= 0; i-- {
		stmts = append(stmts, s.constraints[i].createSQL())
	}
	return stmts
}

// Suspend drops the constraints and indices of the torrents and files tables in a committed
// transaction of its own. Indices are collected after the constraints are gone since some of
// them are owned by constraints.
func (s *Store) Suspend(ctx context.Context) (store.Suspension, error) {
	sus := &suspension{db: s.db}
	err := s.db.BeginFunc(ctx, func(t pgx.Tx) error {
		rows, err := t.Query(ctx, constraintsQuery)
		if err != nil {
			return errors.Wrap(err, "Failed to read constraints")
		}
		for rows.Next() {
			var c constraintDef
			if err := rows.Scan(&c.Table, &c.Name, &c.Def, &c.Type); err != nil {
				rows.Close()
				return errors.Wrap(err, "Failed to scan constraint")
			}
			sus.constraints = append(sus.constraints, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "Failed to read constraints")
		}
		for _, c := range sus.constraints {
			log.Debugf("Dropping constraint %s.%s", c.Table, c.Name)
			if _, err := t.Exec(ctx, c.dropSQL()); err != nil {
				return errors.Wrapf(err, "Failed to drop constraint %s", c.Name)
			}
		}
		rows, err = t.Query(ctx, indicesQuery)
		if err != nil {
			return errors.Wrap(err, "Failed to read indices")
		}
		for rows.Next() {
			var idx indexDef
			if err := rows.Scan(&idx.Table, &idx.Name, &idx.Def); err != nil {
				rows.Close()
				return errors.Wrap(err, "Failed to scan index")
			}
			sus.indices = append(sus.indices, idx)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "Failed to read indices")
		}
		for _, idx := range sus.indices {
			log.Debugf("Dropping index %s.%s", idx.Table, idx.Name)
			if _, err := t.Exec(ctx, idx.dropSQL()); err != nil {
				return errors.Wrapf(err, "Failed to drop index %s", idx.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Suspended %d constraints and %d indices", len(sus.constraints), len(sus.indices))
	return sus, nil
}

// Restore recreates what Suspend dropped in a single transaction
func (s *suspension) Restore(ctx context.Context) error {
	stmts := s.restoreStatements()
	err := s.db.BeginFunc(ctx, func(t pgx.Tx) error {
		for _, stmt := range stmts {
			log.Debugf("Restoring: %s", stmt)
			if _, err := t.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "Failed to execute %q", stmt)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("Restored %d indices and %d constraints", len(s.indices), len(s.constraints))
	return nil
}
