package mapper

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/models"
)

// Dialect selects placeholder style and identifier quoting
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectFirebird
)

// Firebird 2.5 identifiers are limited to 31 characters
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,30}$`)

// SQLBuilder renders the statements used against the scan table
// The table name is configurable, so it is validated once here and never taken from a request
type SQLBuilder struct {
	dialect Dialect
	table   string
}

// NewSQLBuilder rejects table names that are not plain identifiers
func NewSQLBuilder(dialect Dialect, table string) (*SQLBuilder, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	// Standardizing to uppercase to prevent case-sensitivity issues in Firebird
	if dialect == DialectFirebird {
		table = strings.ToUpper(table)
	} else {
		table = strings.ToLower(table)
	}

	return &SQLBuilder{dialect: dialect, table: table}, nil
}

// Table returns the normalised table name
func (b *SQLBuilder) Table() string {
	return b.table
}

// BuildInsert generates the insert for one scan
// On Postgres a duplicate uuid is silently skipped; Firebird reports a unique violation the caller maps to success
func (b *SQLBuilder) BuildInsert(row models.ScanRow) (string, []any) {
	cols := b.columns()
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		b.table,
		strings.Join(cols, ", "),
		strings.Join(b.placeholders(len(cols)), ", "),
	)
	if b.dialect == DialectPostgres {
		query += " ON CONFLICT (uuid) DO NOTHING"
	}

	args := []any{row.ID, b.formatValue(row.CapturedAt), row.Barcode, row.SiteID}
	return query, args
}

// BuildSearch selects every scan of one barcode in capture order
func (b *SQLBuilder) BuildSearch() string {
	cols := b.columns()
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = %s ORDER BY %s ASC",
		strings.Join(cols, ", "),
		b.table,
		cols[2],
		b.placeholders(1)[0],
		cols[1],
	)
}

// BuildSchema returns the DDL creating the scan table and its barcode index
func (b *SQLBuilder) BuildSchema() []string {
	cols := b.columns()
	if b.dialect == DialectFirebird {
		return []string{
			fmt.Sprintf(`CREATE TABLE %s (
	%s VARCHAR(36) NOT NULL PRIMARY KEY,
	%s TIMESTAMP NOT NULL,
	%s VARCHAR(255) NOT NULL,
	%s VARCHAR(64) DEFAULT '' NOT NULL
)`, b.table, cols[0], cols[1], cols[2], cols[3]),
			fmt.Sprintf("CREATE INDEX %s ON %s (%s)", b.indexName(), b.table, cols[2]),
		}
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR(36) PRIMARY KEY,
	%s TIMESTAMP NOT NULL,
	%s VARCHAR(255) NOT NULL,
	%s VARCHAR(64) NOT NULL DEFAULT ''
)`, b.table, cols[0], cols[1], cols[2], cols[3]),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", b.indexName(), b.table, cols[2]),
	}
}

// BuildTableExists is the catalog lookup Firebird needs in place of IF NOT EXISTS
func (b *SQLBuilder) BuildTableExists() (string, []any) {
	if b.dialect == DialectFirebird {
		return "SELECT COUNT(*) FROM RDB$RELATIONS WHERE RDB$RELATION_NAME = ?", []any{b.table}
	}
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1", []any{b.table}
}

// columns are uuid, time, barcode, site; TIME is reserved in both dialects and stays quoted
func (b *SQLBuilder) columns() []string {
	if b.dialect == DialectFirebird {
		return []string{"UUID", `"TIME"`, "BARCODE", "SITE"}
	}
	return []string{"uuid", `"time"`, "barcode", "site"}
}

func (b *SQLBuilder) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if b.dialect == DialectFirebird {
			out[i] = "?"
		} else {
			out[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	return out
}

func (b *SQLBuilder) indexName() string {
	name := b.table + "_barcode_idx"
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

// formatValue handles type conversion for Firebird 2.5 specificities
func (b *SQLBuilder) formatValue(v any) any {
	if b.dialect != DialectFirebird {
		return v
	}

	switch val := v.(type) {
	case time.Time:
		return val.Format(models.TimestampLayout)
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return val
	}
}
