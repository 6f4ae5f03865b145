// Package script runs lab-format SQL scripts: statements separated by
// lines holding only a slash, with &name parameter substitution. Every
// statement is parsed up front, so a typo in the last statement is reported
// before the first one touches the database.
package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/jstaube/pgrig/pkg/dberr"
)

// Execer runs one statement. Factory connections and pool checkouts both
// qualify.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Runner executes scripts over one connection.
type Runner struct {
	Conn Execer

	// Params feeds &name placeholders. Names are matched exactly.
	Params map[string]string

	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Split breaks a script into statements. A delimiter is a line whose only
// content is a slash. Statements are trimmed; empty ones are dropped.
func Split(src string) []string {
	var stmts []string
	var buf strings.Builder
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}
	for _, line := range strings.Split(src, "\n") {
		if strings.TrimSpace(line) == "/" {
			flush()
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()
	return stmts
}

// placeholder is an ampersand followed by a name, with an optional closing
// dot that separates the name from adjacent text. A bare ampersand, as in
// the bitwise operator, never matches.
var placeholder = regexp.MustCompile(`&([A-Za-z_][A-Za-z0-9_]*)\.?`)

// Substitute replaces &name and &name. placeholders from params. Every
// placeholder must resolve; unresolved names accumulate into one error.
func Substitute(src string, params map[string]string) (string, error) {
	missing := map[string]bool{}
	out := placeholder.ReplaceAllStringFunc(src, func(m string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(m, "&"), ".")
		value, ok := params[name]
		if !ok {
			missing[name] = true
			return m
		}
		return value
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		var errs []error
		for _, name := range names {
			errs = append(errs, dberr.Newf(dberr.KindConfiguration, "script", "parameter &%s is not defined", name))
		}
		return "", errors.Join(errs...)
	}
	return out, nil
}

// Run substitutes parameters, splits src into statements, parses every
// statement, and only then executes them in order. Parse failures from all
// statements are reported together; nothing executes when any statement is
// malformed.
func (r *Runner) Run(ctx context.Context, src string) error {
	resolved, err := Substitute(src, r.Params)
	if err != nil {
		return err
	}
	stmts := Split(resolved)

	var parseErrs []error
	for i, stmt := range stmts {
		if _, err := pg_query.Parse(stmt); err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("statement %d (%s): %w", i+1, firstLine(stmt), err))
		}
	}
	if len(parseErrs) > 0 {
		return dberr.Wrap(dberr.KindConfiguration, "script", errors.Join(parseErrs...))
	}

	for i, stmt := range stmts {
		tag, err := r.Conn.Exec(ctx, stmt)
		if err != nil {
			return dberr.Wrap(dberr.Classify(err), fmt.Sprintf("script statement %d", i+1),
				fmt.Errorf("%s: %w", firstLine(stmt), err))
		}
		r.logger().Debug("statement complete", "index", i+1, "tag", tag.String())
	}
	return nil
}

// RunFile reads a script from fsys and runs it.
func (r *Runner) RunFile(ctx context.Context, fsys fs.FS, name string) error {
	src, err := fs.ReadFile(fsys, name)
	if err != nil {
		return dberr.Wrap(dberr.KindConfiguration, "script file", err)
	}
	if err := r.Run(ctx, string(src)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.logger().Info("script complete", "file", name, "statements", len(Split(string(src))))
	return nil
}

// firstLine gives enough of a statement to recognize it in an error.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 60
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
