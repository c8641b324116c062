package sqltables

import "fmt"

// TokenType represents the type of a lexical token.
type TokenType int

//nolint:revive // TOKEN_* names are intentionally ALL_CAPS for SQL token conventions
const (
	TOKEN_EOF TokenType = iota
	TOKEN_ILLEGAL

	TOKEN_IDENT  // orders, "Order Items"
	TOKEN_NUMBER // 123, 45.67
	TOKEN_STRING // 'hello'

	TOKEN_OPERATOR  // + - * / % = < > ! | : etc.
	TOKEN_DOT       // .
	TOKEN_COMMA     // ,
	TOKEN_SEMICOLON // ;
	TOKEN_LPAREN    // (
	TOKEN_RPAREN    // )
	TOKEN_LBRACKET  // [
	TOKEN_RBRACKET  // ]

	// Keywords the extractor cares about.
	TOKEN_AS
	TOKEN_BY
	TOKEN_EXCEPT
	TOKEN_FROM
	TOKEN_GROUP
	TOKEN_HAVING
	TOKEN_INTERSECT
	TOKEN_JOIN
	TOKEN_LATERAL
	TOKEN_LIMIT
	TOKEN_MATERIALIZED
	TOKEN_NOT
	TOKEN_OFFSET
	TOKEN_ON
	TOKEN_ORDER
	TOKEN_QUALIFY
	TOKEN_RECURSIVE
	TOKEN_SELECT
	TOKEN_UNION
	TOKEN_USING
	TOKEN_WHERE
	TOKEN_WINDOW
	TOKEN_WITH
)

var keywords = map[string]TokenType{
	"as":           TOKEN_AS,
	"by":           TOKEN_BY,
	"except":       TOKEN_EXCEPT,
	"from":         TOKEN_FROM,
	"group":        TOKEN_GROUP,
	"having":       TOKEN_HAVING,
	"intersect":    TOKEN_INTERSECT,
	"join":         TOKEN_JOIN,
	"lateral":      TOKEN_LATERAL,
	"limit":        TOKEN_LIMIT,
	"materialized": TOKEN_MATERIALIZED,
	"not":          TOKEN_NOT,
	"offset":       TOKEN_OFFSET,
	"on":           TOKEN_ON,
	"order":        TOKEN_ORDER,
	"qualify":      TOKEN_QUALIFY,
	"recursive":    TOKEN_RECURSIVE,
	"select":       TOKEN_SELECT,
	"union":        TOKEN_UNION,
	"using":        TOKEN_USING,
	"where":        TOKEN_WHERE,
	"window":       TOKEN_WINDOW,
	"with":         TOKEN_WITH,
}

// LookupIdent returns the keyword token type for ident, or TOKEN_IDENT.
func LookupIdent(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return TOKEN_IDENT
}

// Token represents a lexical token with position information.
type Token struct {
	Type    TokenType
	Literal string
	Quoted  bool // identifier was written in double quotes
	Pos     Position
}

// Position represents a location in the source text.
type Position struct {
	Line   int // 1-based line number
	Column int // 1-based column number
	Offset int // 0-based byte offset
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

var tokenNames = map[TokenType]string{
	TOKEN_EOF:       "EOF",
	TOKEN_ILLEGAL:   "ILLEGAL",
	TOKEN_IDENT:     "IDENT",
	TOKEN_NUMBER:    "NUMBER",
	TOKEN_STRING:    "STRING",
	TOKEN_OPERATOR:  "OPERATOR",
	TOKEN_DOT:       ".",
	TOKEN_COMMA:     ",",
	TOKEN_SEMICOLON: ";",
	TOKEN_LPAREN:    "(",
	TOKEN_RPAREN:    ")",
	TOKEN_LBRACKET:  "[",
	TOKEN_RBRACKET:  "]",
}

// String returns a human-readable representation of the token type.
func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	for kw, tt := range keywords {
		if tt == t {
			return kw
		}
	}
	return fmt.Sprintf("TOKEN(%d)", int(t))
}

// IsKeyword reports whether the token type is a keyword.
func (t TokenType) IsKeyword() bool {
	return t >= TOKEN_AS
}
