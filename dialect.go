package sqlflow

// Dialect identifies the SQL dialect spoken by the embedded engine or a
// database destination connector. Shared across packages so that
// schema-evolution and stage-and-swap SQL generation agree on quoting
// and DDL syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)
