// Package sqltables statically scans DuckDB SQL text for the tables it reads.
//
// The scanner is shallow: it tokenizes the statement and looks at the tokens
// that follow FROM and JOIN, skipping references bound to a CTE in scope,
// table functions and derived tables. It never needs a schema and never fails on
// syntax it does not understand; anything unusual is left for the engine to
// reject at execution time.
//
//	a, err := sqltables.Analyze("WITH t AS (SELECT * FROM orders) SELECT * FROM t JOIN users USING (id)")
//	// a.Tables == []string{"orders", "users"}
package sqltables

import (
	"sort"
	"strconv"
	"strings"
)

// defaultSchema is the only schema whose tables are candidates for
// materialization; other qualified names are left to the engine.
const defaultSchema = "main"

// Analysis is the result of scanning a statement.
type Analysis struct {
	// Tables are the referenced base tables, lower-cased, deduplicated and sorted.
	Tables []string
	// CTEs are the names bound by WITH clauses, lower-cased and sorted.
	CTEs []string
	// Limit is the literal top-level LIMIT, or 0 when there is none.
	Limit int
	// Statements is the number of non-empty statements separated by semicolons.
	Statements int
	// Leading is the type of the first token.
	Leading TokenType
}

// Extract returns the base tables referenced by sql.
func Extract(sql string) ([]string, error) {
	a, err := Analyze(sql)
	if err != nil {
		return nil, err
	}
	return a.Tables, nil
}

// Analyze scans sql and reports its tables, CTE names and top-level limit.
func Analyze(sql string) (*Analysis, error) {
	tokens, err := Tokenize(sql)
	if err != nil {
		return nil, err
	}

	s := &scanner{
		tokens: tokens,
		withAt: make(map[int]withClause),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}

	tables := make(map[string]struct{})
	ctes := make(map[string]struct{})
	for _, c := range s.ctes {
		ctes[c.name] = struct{}{}
	}
	for _, ref := range s.refs {
		if !s.boundToCTE(ref) {
			tables[ref.name] = struct{}{}
		}
	}

	return &Analysis{
		Tables:     sortedKeys(tables),
		CTEs:       sortedKeys(ctes),
		Limit:      s.limit,
		Statements: s.statements,
		Leading:    tokens[0].Type,
	}, nil
}

// parenFrame records what an open parenthesis belongs to.
type parenFrame struct {
	call  bool // opened directly after an identifier, e.g. count(
	query bool // a SELECT or WITH appeared inside it
}

// withClause is a WITH keyword and the paren depth it opened at.
type withClause struct {
	index     int
	recursive bool
}

// cte is one WITH binding. Token indexes: the name, the body's opening
// parenthesis, just past the body, and the end of the enclosing query.
type cte struct {
	name      string
	nameIdx   int
	bodyStart int
	bodyEnd   int
	scopeEnd  int
	recursive bool
}

// tableRef is a table name read after FROM or JOIN at token index idx.
type tableRef struct {
	name string
	idx  int
}

type scanner struct {
	tokens     []Token
	stack      []parenFrame
	withAt     map[int]withClause
	refs       []tableRef
	ctes       []cte
	limit      int
	statements int
}

func (s *scanner) scan() error {
	pending := false // current statement has at least one token

	for i := 0; i < len(s.tokens); i++ {
		tok := s.tokens[i]

		switch tok.Type {
		case TOKEN_EOF:
			if len(s.stack) > 0 {
				return &SyntaxError{Pos: tok.Pos, Message: ErrUnbalancedOpen}
			}
			if pending {
				s.statements++
			}
			return nil

		case TOKEN_SEMICOLON:
			if len(s.stack) == 0 {
				if pending {
					s.statements++
				}
				pending = false
				continue
			}

		case TOKEN_LPAREN:
			s.stack = append(s.stack, parenFrame{call: i > 0 && s.tokens[i-1].Type == TOKEN_IDENT})

		case TOKEN_RPAREN:
			if len(s.stack) == 0 {
				return &SyntaxError{Pos: tok.Pos, Message: ErrUnbalancedClose}
			}
			s.stack = s.stack[:len(s.stack)-1]

		case TOKEN_SELECT, TOKEN_WITH:
			if len(s.stack) > 0 {
				s.stack[len(s.stack)-1].query = true
			}
			if tok.Type == TOKEN_WITH {
				s.withAt[len(s.stack)] = withClause{index: i, recursive: s.tokens[i+1].Type == TOKEN_RECURSIVE}
			}

		case TOKEN_IDENT:
			s.checkCTE(i)

		case TOKEN_FROM, TOKEN_JOIN:
			if s.inQueryContext() {
				s.readTableList(i + 1)
			}

		case TOKEN_LIMIT:
			if len(s.stack) == 0 && s.tokens[i+1].Type == TOKEN_NUMBER {
				if n, err := strconv.Atoi(strings.ReplaceAll(s.tokens[i+1].Literal, "_", "")); err == nil {
					s.limit = n
				}
			}
		}

		pending = true
	}
	return nil
}

// inQueryContext reports whether a FROM at the current depth introduces
// tables rather than being part of a call like EXTRACT(year FROM d).
func (s *scanner) inQueryContext() bool {
	if len(s.stack) == 0 {
		return true
	}
	top := s.stack[len(s.stack)-1]
	return !top.call || top.query
}

// checkCTE records tokens[i] as a CTE name when it has the shape
// `name [(cols)] AS [[NOT] MATERIALIZED] (` after WITH, RECURSIVE or a comma.
func (s *scanner) checkCTE(i int) {
	if i == 0 {
		return
	}
	switch s.tokens[i-1].Type {
	case TOKEN_WITH, TOKEN_RECURSIVE, TOKEN_COMMA:
	default:
		return
	}

	j := i + 1
	if s.tokens[j].Type == TOKEN_LPAREN {
		j = s.skipParens(j)
	}
	if s.tokens[j].Type != TOKEN_AS {
		return
	}
	j++
	if s.tokens[j].Type == TOKEN_NOT {
		j++
	}
	if s.tokens[j].Type == TOKEN_MATERIALIZED {
		j++
	}
	if s.tokens[j].Type != TOKEN_LPAREN {
		return
	}
	w, ok := s.withAt[len(s.stack)]
	if !ok {
		return
	}
	s.ctes = append(s.ctes, cte{
		name:      strings.ToLower(s.tokens[i].Literal),
		nameIdx:   i,
		bodyStart: j,
		bodyEnd:   s.skipParens(j),
		scopeEnd:  s.scopeEnd(w.index),
		recursive: w.recursive,
	})
}

// scopeEnd returns the index of the token closing the query that the WITH
// at start belongs to: the parenthesis around it, a semicolon or EOF.
func (s *scanner) scopeEnd(start int) int {
	depth := 0
	for k := start + 1; k < len(s.tokens); k++ {
		switch s.tokens[k].Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			if depth == 0 {
				return k
			}
			depth--
		case TOKEN_SEMICOLON:
			if depth == 0 {
				return k
			}
		case TOKEN_EOF:
			return k
		}
	}
	return len(s.tokens) - 1
}

// boundToCTE reports whether ref names a CTE visible at its position. A
// non-recursive CTE is not visible inside its own body, so a body reading a
// base table of the same name still reads the table.
func (s *scanner) boundToCTE(ref tableRef) bool {
	for _, c := range s.ctes {
		if c.name != ref.name || ref.idx <= c.nameIdx || ref.idx >= c.scopeEnd {
			continue
		}
		if !c.recursive && ref.idx > c.bodyStart && ref.idx < c.bodyEnd {
			continue
		}
		return true
	}
	return false
}

// readTableList reads comma-separated table references starting at j.
func (s *scanner) readTableList(j int) {
	for {
		if s.tokens[j].Type == TOKEN_LATERAL {
			j++
		}
		if s.tokens[j].Type != TOKEN_IDENT {
			// Derived tables, string-literal file scans and the like.
			return
		}

		start := j
		var parts []string
		parts = append(parts, strings.ToLower(s.tokens[j].Literal))
		j++
		for s.tokens[j].Type == TOKEN_DOT && s.tokens[j+1].Type == TOKEN_IDENT {
			parts = append(parts, strings.ToLower(s.tokens[j+1].Literal))
			j += 2
		}

		if s.tokens[j].Type == TOKEN_LPAREN {
			// Table function such as read_csv('...'); skip its arguments.
			j = s.skipParens(j)
		} else if name, ok := tableName(parts); ok {
			s.refs = append(s.refs, tableRef{name: name, idx: start})
		}

		// Optional alias and column alias list.
		if s.tokens[j].Type == TOKEN_AS {
			j++
		}
		if s.tokens[j].Type == TOKEN_IDENT {
			j++
			if s.tokens[j].Type == TOKEN_LPAREN {
				j = s.skipParens(j)
			}
		}

		if s.tokens[j].Type != TOKEN_COMMA {
			return
		}
		j++
	}
}

// skipParens returns the index just past the parenthesis group opened at j.
func (s *scanner) skipParens(j int) int {
	depth := 0
	for ; j < len(s.tokens); j++ {
		switch s.tokens[j].Type {
		case TOKEN_LPAREN:
			depth++
		case TOKEN_RPAREN:
			depth--
			if depth == 0 {
				return j + 1
			}
		case TOKEN_EOF:
			return j
		}
	}
	return len(s.tokens) - 1
}

func tableName(parts []string) (string, bool) {
	switch {
	case len(parts) == 1:
		return parts[0], true
	case len(parts) == 2 && parts[0] == defaultSchema:
		return parts[1], true
	default:
		return "", false
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Normalize returns the canonical form of a statement: comments and
// surrounding space and trailing semicolons removed, and every whitespace
// run outside quotes collapsed to a single space. Two statements with the
// same canonical form are treated as the same query.
func Normalize(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	var quote byte
	space := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if quote != 0 {
			b.WriteByte(ch)
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			space = true
			continue
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			space = true
			continue
		case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += 2 + end + 1
			}
			space = true
			continue
		case ch == '\'' || ch == '"':
			quote = ch
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteByte(ch)
	}

	out := b.String()
	for {
		trimmed := strings.TrimRight(strings.TrimSuffix(out, ";"), " ")
		if trimmed == out {
			return out
		}
		out = trimmed
	}
}
