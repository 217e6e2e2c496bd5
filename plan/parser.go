package plan

import (
	"fmt"
	"sort"
	"strings"
)

// Parse parses a single SQL statement. Mutations become structured nodes;
// anything else becomes a QueryStatement with its table references
// extracted. Unqualified table names are left with an empty schema for the
// caller to default.
func Parse(sql string) (Statement, error) {
	tokens, err := newLexer(sql).tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{input: sql, tokens: tokens}

	switch {
	case p.peek().keyword("CREATE"):
		return p.parseCreateTable()
	case p.peek().keyword("INSERT"):
		return p.parseInsert()
	case p.peek().keyword("UPDATE"):
		return p.parseUpdate()
	case p.peek().keyword("DELETE"):
		return p.parseDelete()
	default:
		refs, err := extractRefs(tokens)
		if err != nil {
			return nil, err
		}
		return &QueryStatement{SQL: sql, Refs: refs}, nil
	}
}

type parser struct {
	input  string
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.typ != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expectKeyword(word string) error {
	tok := p.next()
	if !tok.keyword(word) {
		return fmt.Errorf("expected %s, got %q", word, tok.value)
	}
	return nil
}

func (p *parser) expectType(typ tokenType, what string) (token, error) {
	tok := p.next()
	if tok.typ != typ {
		return token{}, fmt.Errorf("expected %s, got %q", what, tok.value)
	}
	return tok, nil
}

// parseQualifiedName parses ident or ident.ident.
func (p *parser) parseQualifiedName() (schema, name string, err error) {
	first, err := p.expectType(tokenIdent, "table name")
	if err != nil {
		return "", "", err
	}
	if p.peek().typ != tokenDot {
		return "", first.value, nil
	}
	p.next() // dot
	second, err := p.expectType(tokenIdent, "table name")
	if err != nil {
		return "", "", err
	}
	return first.value, second.value, nil
}

// text returns the trimmed input slice covering tokens[from:to].
func (p *parser) text(from, to int) string {
	if from >= to {
		return ""
	}
	return strings.TrimSpace(p.input[p.tokens[from].start:p.tokens[to-1].end])
}

// trailing returns the index just past the last meaningful token, skipping a
// trailing semicolon.
func (p *parser) trailing() int {
	end := len(p.tokens) - 1 // EOF
	if end > 0 && p.tokens[end-1].typ == tokenSemicolon {
		end--
	}
	return end
}

func (p *parser) parseCreateTable() (*CreateTableStatement, error) {
	p.next() // CREATE
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}

	stmt := &CreateTableStatement{}
	if p.peek().keyword("IF") {
		p.next()
		if err := p.expectKeyword("NOT"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		stmt.IfNotExists = true
	}

	var err error
	if stmt.Schema, stmt.Name, err = p.parseQualifiedName(); err != nil {
		return nil, err
	}

	if _, err := p.expectType(tokenLParen, "("); err != nil {
		return nil, err
	}
	for {
		col, err := p.expectType(tokenIdent, "column name")
		if err != nil {
			return nil, err
		}

		// The type runs until the next comma or the closing paren at this
		// nesting level; parenthesized precision like DECIMAL(10, 2) stays
		// part of it.
		typeStart := p.pos
		depth := 0
	typeLoop:
		for {
			switch tok := p.peek(); {
			case tok.typ == tokenEOF:
				return nil, fmt.Errorf("unterminated column list")
			case tok.typ == tokenLParen:
				depth++
				p.next()
			case tok.typ == tokenRParen:
				if depth == 0 {
					break typeLoop
				}
				depth--
				p.next()
			case tok.typ == tokenComma && depth == 0:
				break typeLoop
			default:
				p.next()
			}
		}
		colType := p.text(typeStart, p.pos)
		if colType == "" {
			return nil, fmt.Errorf("missing type for column %s", col.value)
		}
		stmt.Columns = append(stmt.Columns, ColumnDef{Name: col.value, Type: colType})

		if p.peek().typ == tokenComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expectType(tokenRParen, ")"); err != nil {
		return nil, err
	}

	if len(stmt.Columns) == 0 {
		return nil, fmt.Errorf("table must have at least one column")
	}
	return stmt, nil
}

func (p *parser) parseInsert() (*InsertStatement, error) {
	p.next() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}

	stmt := &InsertStatement{}
	var err error
	if stmt.Schema, stmt.Name, err = p.parseQualifiedName(); err != nil {
		return nil, err
	}

	// An optional column list is only a column list if VALUES or SELECT
	// follows; otherwise it is part of the input.
	if p.peek().typ == tokenLParen {
		save := p.pos
		cols, ok := p.tryColumnList()
		if ok && (p.peek().keyword("VALUES") || p.peek().keyword("SELECT")) {
			stmt.Columns = cols
		} else {
			p.pos = save
		}
	}

	stmt.Input = p.text(p.pos, p.trailing())
	if stmt.Input == "" {
		return nil, fmt.Errorf("INSERT requires a VALUES list or query")
	}
	return stmt, nil
}

func (p *parser) tryColumnList() ([]string, bool) {
	p.next() // (
	var cols []string
	for {
		tok := p.next()
		if tok.typ != tokenIdent {
			return nil, false
		}
		cols = append(cols, tok.value)
		switch p.next().typ {
		case tokenComma:
			continue
		case tokenRParen:
			return cols, true
		default:
			return nil, false
		}
	}
}

func (p *parser) parseUpdate() (*UpdateStatement, error) {
	p.next() // UPDATE

	stmt := &UpdateStatement{}
	var err error
	if stmt.Schema, stmt.Name, err = p.parseQualifiedName(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}

	for {
		col, err := p.expectType(tokenIdent, "column name")
		if err != nil {
			return nil, err
		}
		if eq := p.next(); eq.typ != tokenSymbol || eq.value != "=" {
			return nil, fmt.Errorf("expected = after column %s, got %q", col.value, eq.value)
		}

		exprStart := p.pos
		depth := 0
	exprLoop:
		for {
			switch tok := p.peek(); {
			case tok.typ == tokenEOF || tok.typ == tokenSemicolon:
				break exprLoop
			case tok.typ == tokenLParen:
				depth++
				p.next()
			case tok.typ == tokenRParen:
				depth--
				p.next()
			case tok.typ == tokenComma && depth == 0:
				break exprLoop
			case tok.keyword("WHERE") && depth == 0:
				break exprLoop
			default:
				p.next()
			}
		}
		expr := p.text(exprStart, p.pos)
		if expr == "" {
			return nil, fmt.Errorf("missing expression for column %s", col.value)
		}
		stmt.Assignments = append(stmt.Assignments, Assignment{Column: col.value, Expr: expr})

		if p.peek().typ == tokenComma {
			p.next()
			continue
		}
		break
	}

	if stmt.Predicate, err = p.parseOptionalWhere(); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseDelete() (*DeleteStatement, error) {
	p.next() // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}

	stmt := &DeleteStatement{}
	var err error
	if stmt.Schema, stmt.Name, err = p.parseQualifiedName(); err != nil {
		return nil, err
	}
	if stmt.Predicate, err = p.parseOptionalWhere(); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseOptionalWhere() (string, error) {
	switch tok := p.peek(); {
	case tok.typ == tokenEOF || tok.typ == tokenSemicolon:
		return "", nil
	case tok.keyword("WHERE"):
		p.next()
		pred := p.text(p.pos, p.trailing())
		if pred == "" {
			return "", fmt.Errorf("empty WHERE clause")
		}
		return pred, nil
	default:
		return "", fmt.Errorf("unexpected token %q", tok.value)
	}
}

// extractRefs finds table references in a read query. A reference appears
// after FROM or JOIN, possibly in a comma-separated list, and may carry a
// time-travel selector: name('<timestamp>').
func extractRefs(tokens []token) ([]TableRef, error) {
	ctes := cteNames(tokens)
	var refs []TableRef
	inFromList := false
	for i := 0; i < len(tokens); {
		tok := tokens[i]
		switch {
		case tok.keyword("FROM") || tok.keyword("JOIN"):
			i++
			var ref TableRef
			var ok bool
			ref, i, ok = scanRef(tokens, i)
			if ok && !ref.isCTE(ctes) {
				refs = append(refs, ref)
				inFromList = tok.keyword("FROM")
			}
		case tok.typ == tokenComma && inFromList:
			i++
			var ref TableRef
			var ok bool
			ref, i, ok = scanRef(tokens, i)
			if ok && !ref.isCTE(ctes) {
				refs = append(refs, ref)
			}
		case tok.typ == tokenIdent && endsFromList(tok):
			inFromList = false
			i++
		case tok.typ == tokenLParen || tok.typ == tokenRParen:
			// Subqueries restart reference scanning via their own FROM.
			inFromList = false
			i++
		default:
			i++
		}
	}
	return refs, nil
}

// cteNames collects names defined by WITH clauses: an identifier directly
// followed by AS and an opening paren. CAST expressions never match since
// there the identifier follows AS instead of preceding it.
func cteNames(tokens []token) map[string]bool {
	names := make(map[string]bool)
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].typ == tokenIdent &&
			tokens[i+1].keyword("AS") &&
			tokens[i+2].typ == tokenLParen {
			names[strings.ToLower(tokens[i].value)] = true
		}
	}
	return names
}

// isCTE reports whether the reference names a query-local common table
// expression rather than a catalog table.
func (r TableRef) isCTE(ctes map[string]bool) bool {
	return r.Schema == "" && r.Selector == "" && ctes[strings.ToLower(r.Name)]
}

func endsFromList(tok token) bool {
	for _, word := range []string{"WHERE", "GROUP", "ORDER", "LIMIT", "HAVING", "UNION", "EXCEPT", "INTERSECT", "ON", "QUALIFY", "WINDOW"} {
		if tok.keyword(word) {
			return true
		}
	}
	return false
}

// scanRef reads one table reference starting at index i. Derived tables
// (parenthesized subqueries) are not references and are skipped.
func scanRef(tokens []token, i int) (TableRef, int, bool) {
	if i >= len(tokens) || tokens[i].typ != tokenIdent {
		return TableRef{}, i, false
	}

	ref := TableRef{Name: tokens[i].value, start: tokens[i].start, end: tokens[i].end}
	i++
	if i < len(tokens) && tokens[i].typ == tokenDot {
		if i+1 >= len(tokens) || tokens[i+1].typ != tokenIdent {
			return TableRef{}, i, false
		}
		ref.Schema = ref.Name
		ref.Name = tokens[i+1].value
		ref.end = tokens[i+1].end
		i += 2
	}

	// name('<timestamp>') selects the version live at that time.
	if i+2 < len(tokens) &&
		tokens[i].typ == tokenLParen &&
		tokens[i+1].typ == tokenString &&
		tokens[i+2].typ == tokenRParen {
		ref.Selector = tokens[i+1].value
		ref.end = tokens[i+2].end
		i += 3
	}
	return ref, i, true
}

// RewriteQuery replaces each reference's text with the name returned by
// replace, quoting it as an identifier. Used to point versioned references
// at their query-local bindings.
func RewriteQuery(sql string, refs []TableRef, replace func(TableRef) string) string {
	// Rewrite back to front so earlier spans stay valid.
	ordered := make([]TableRef, len(refs))
	copy(ordered, refs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].start > ordered[j].start })

	for _, ref := range ordered {
		replacement := replace(ref)
		if replacement == "" {
			continue
		}
		sql = sql[:ref.start] + quoteIdent(replacement) + sql[ref.end:]
	}
	return sql
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
