package sqlpersistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// SuppressionPolicy decides whether a failed statement is skipped (true)
// or aborts the remaining statements (false).
type SuppressionPolicy func(statement string, err error) bool

// SuppressAll skips every failure.
func SuppressAll(string, error) bool { return true }

// SuppressNone skips nothing.
func SuppressNone(string, error) bool { return false }

// command collects named parameter values and binds them to statement text.
// Parameter tokens in the text are replaced by the dialect's positional
// placeholders in order of appearance, and the matching values are coerced
// through Dialect.BindValue.
type command struct {
	dialect Dialect
	params  map[string]any
	names   []string // longest first, so "@StreamName" never matches as "@Stream..."
}

func newCommand(dialect Dialect) *command {
	return &command{
		dialect: dialect,
		params:  make(map[string]any),
	}
}

func (c *command) addParameter(name string, value any) {
	if _, ok := c.params[name]; !ok {
		c.names = append(c.names, name)
		sort.SliceStable(c.names, func(i, j int) bool {
			return len(c.names[i]) > len(c.names[j])
		})
	}
	c.params[name] = value
}

// bind rewrites statement into driver form and returns the ordered arguments.
// Tokens inside single-quoted literals are left untouched.
func (c *command) bind(statement string) (string, []any, error) {
	var (
		out     strings.Builder
		args    []any
		inQuote bool
	)
	out.Grow(len(statement))

	for i := 0; i < len(statement); {
		ch := statement[i]
		if ch == '\'' {
			inQuote = !inQuote
			out.WriteByte(ch)
			i++
			continue
		}
		if !inQuote {
			if name, ok := c.tokenAt(statement, i); ok {
				value, err := c.dialect.BindValue(name, c.params[name])
				if err != nil {
					return "", nil, fmt.Errorf("bind %s: %w", name, err)
				}
				args = append(args, value)
				out.WriteString(c.dialect.Placeholder(len(args)))
				i += len(name)
				continue
			}
		}
		out.WriteByte(ch)
		i++
	}

	return out.String(), args, nil
}

func (c *command) tokenAt(statement string, i int) (string, bool) {
	for _, name := range c.names {
		if !strings.HasPrefix(statement[i:], name) {
			continue
		}
		end := i + len(name)
		if end < len(statement) && isIdentByte(statement[end]) {
			continue
		}
		return name, true
	}
	return "", false
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// executeNonQuery runs statements in order and returns the total number of
// affected rows. It stops at the first failure.
func (c *command) executeNonQuery(ctx context.Context, db Querier, statements []string) (int64, error) {
	return c.executeAndSuppress(ctx, db, statements, SuppressNone)
}

// executeAndSuppress runs statements in order. A failing statement is skipped
// when policy returns true; otherwise execution stops and the failure is
// returned. The result is the total number of rows affected by statements
// that succeeded.
func (c *command) executeAndSuppress(ctx context.Context, db Querier, statements []string, policy SuppressionPolicy) (int64, error) {
	var total int64
	for _, statement := range statements {
		affected, err := c.exec(ctx, db, statement)
		if err != nil {
			if policy(statement, err) {
				continue
			}
			return total, err
		}
		total += affected
	}
	return total, nil
}

func (c *command) exec(ctx context.Context, db Querier, statement string) (int64, error) {
	query, args, err := c.bind(statement)
	if err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (c *command) query(ctx context.Context, db Querier, statement string) (*sql.Rows, error) {
	query, args, err := c.bind(statement)
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

func (c *command) queryRow(ctx context.Context, db Querier, statement string) (*sql.Row, error) {
	query, args, err := c.bind(statement)
	if err != nil {
		return nil, err
	}
	return db.QueryRowContext(ctx, query, args...), nil
}
