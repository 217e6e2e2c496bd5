// Package plan turns SQL text into the closed set of statements the engine
// executes. Mutations are parsed into structured nodes; reads stay as SQL
// and carry the table references found in them.
package plan

import "fmt"

type StatementType int

const (
	QueryStatementType StatementType = iota
	CreateTableStatementType
	InsertStatementType
	UpdateStatementType
	DeleteStatementType
)

// Statement is a parsed SQL statement
type Statement interface {
	Type() StatementType
}

// TableRef is a table reference in a read query, optionally carrying a
// time-travel selector like events('2024-01-01T12:00:00Z').
type TableRef struct {
	Schema   string
	Name     string
	Selector string // raw version selector literal, empty for latest

	// Byte span of the reference in the query text, used for rewriting.
	start int
	end   int
}

// Versioned reports whether the reference selects a point in time.
func (r TableRef) Versioned() bool {
	return r.Selector != ""
}

func (r TableRef) String() string {
	if r.Selector == "" {
		return fmt.Sprintf("%s.%s", r.Schema, r.Name)
	}
	return fmt.Sprintf("%s.%s('%s')", r.Schema, r.Name, r.Selector)
}

// QueryStatement is a read-only statement passed through to the query
// engine after reference resolution.
type QueryStatement struct {
	SQL  string
	Refs []TableRef
}

func (*QueryStatement) Type() StatementType { return QueryStatementType }

// ColumnDef is a column in a CREATE TABLE statement
type ColumnDef struct {
	Name string
	Type string
}

type CreateTableStatement struct {
	Schema      string
	Name        string
	Columns     []ColumnDef
	IfNotExists bool
}

func (*CreateTableStatement) Type() StatementType { return CreateTableStatementType }

// InsertStatement appends rows produced by Input, which is the raw SQL
// after the target table: a VALUES list or a SELECT.
type InsertStatement struct {
	Schema  string
	Name    string
	Columns []string
	Input   string
}

func (*InsertStatement) Type() StatementType { return InsertStatementType }

// Assignment is one column = expression pair in an UPDATE SET clause.
// The expression is raw SQL evaluated by the query engine.
type Assignment struct {
	Column string
	Expr   string
}

type UpdateStatement struct {
	Schema      string
	Name        string
	Assignments []Assignment
	Predicate   string // raw SQL, empty means all rows
}

func (*UpdateStatement) Type() StatementType { return UpdateStatementType }

type DeleteStatement struct {
	Schema    string
	Name      string
	Predicate string
}

func (*DeleteStatement) Type() StatementType { return DeleteStatementType }
