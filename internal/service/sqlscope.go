package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// The table extraction below is lexical. It normalizes the statement,
// strips literals and comments, and walks every FROM clause token by
// token, collecting the tables it names. A FROM clause it cannot read
// refuses the whole statement. SQLEngine backs this with the driver's
// authorizer where the driver has one.

var (
	sqlLiteral      = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlLineComment  = regexp.MustCompile(`--[^\n]*`)
	sqlBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	sqlSpace        = regexp.MustCompile(`\s+`)

	sqlToken    = regexp.MustCompile(`"[^"]*"|` + "`[^`]*`" + `|\[[^\]]*\]|[A-Z_][A-Z0-9_$]*(?:\.[A-Z_][A-Z0-9_$]*)*|[0-9]+|\S`)
	sqlInto     = regexp.MustCompile(`\bINTO\s+([A-Z0-9_."` + "`" + `]+)`)
	sqlUpdate   = regexp.MustCompile(`\bUPDATE\s+(?:OR\s+\w+\s+)?([A-Z0-9_."` + "`" + `]+)`)
	sqlTableDDL = regexp.MustCompile(`\b(?:CREATE|DROP|ALTER)\s+(?:TEMP\s+|TEMPORARY\s+)?TABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?([A-Z0-9_."` + "`" + `]+)`)
	sqlCTE      = regexp.MustCompile(`(?:\bWITH\s+(?:RECURSIVE\s+)?|,\s*)([A-Z0-9_]+)\s*(?:\([^)]*\)\s*)?AS\s*\(`)

	// Never allowed, whatever the grant.
	sqlForbidden = regexp.MustCompile(`\b(?:ATTACH|DETACH|PRAGMA|VACUUM|REINDEX|LOAD_EXTENSION|GRANT|REVOKE|COPY)\b`)
	// Not allowed through query.
	sqlWrites = regexp.MustCompile(`\b(?:INSERT|UPDATE|DELETE|REPLACE\s+INTO|UPSERT|CREATE|DROP|ALTER|TRUNCATE|MERGE)\b`)
)

// fromEnd holds the keywords that close a FROM clause.
var fromEnd = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true,
	"UNION": true, "EXCEPT": true, "INTERSECT": true, "WINDOW": true, "RETURNING": true,
}

// subqueryStart holds the keywords a parenthesized FROM item may begin with.
var subqueryStart = map[string]bool{"SELECT": true, "WITH": true, "VALUES": true}

var errUnreadableFrom = errors.New("cannot determine the tables of a FROM clause")

// statement is a normalized SQL statement.
type statement struct {
	text string
}

func normalizeSQL(query string) (statement, error) {
	s := sqlLiteral.ReplaceAllString(query, "''")
	s = sqlBlockComment.ReplaceAllString(s, " ")
	s = sqlLineComment.ReplaceAllString(s, " ")
	s = strings.ToUpper(strings.TrimSpace(sqlSpace.ReplaceAllString(s, " ")))
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	if s == "" {
		return statement{}, fmt.Errorf("%w: empty statement", ErrInvalidArgs)
	}
	if strings.Contains(s, ";") {
		return statement{}, fmt.Errorf("%w: multiple statements", ErrInvalidArgs)
	}
	if sqlForbidden.MatchString(s) {
		return statement{}, fmt.Errorf("%w: statement type not permitted", ErrInvalidArgs)
	}
	return statement{text: s}, nil
}

func (st statement) readOnly() bool {
	if !strings.HasPrefix(st.text, "SELECT ") && !strings.HasPrefix(st.text, "WITH ") && st.text != "SELECT" {
		return false
	}
	return !sqlWrites.MatchString(st.text)
}

// tables returns the lowercased tables the statement touches, excluding
// names defined by its own WITH clause.
func (st statement) tables() ([]string, error) {
	ctes := make(map[string]bool)
	for _, m := range sqlCTE.FindAllStringSubmatch(st.text, -1) {
		ctes[m[1]] = true
	}

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		name = strings.Trim(name, "\"`[]")
		if name == "" || ctes[name] {
			return
		}
		name = strings.ToLower(name)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	toks := sqlToken.FindAllString(st.text, -1)
	for i, tok := range toks {
		if tok != "FROM" || (i > 0 && toks[i-1] == "DISTINCT") {
			continue
		}
		names, err := fromTables(toks, i)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			add(name)
		}
	}
	for _, re := range []*regexp.Regexp{sqlInto, sqlUpdate, sqlTableDDL} {
		for _, m := range re.FindAllStringSubmatch(st.text, -1) {
			add(m[1])
		}
	}
	return out, nil
}

// fromTables reads the FROM clause opened by toks[at]. Items are separated
// by commas or JOIN. A parenthesized item must be a subquery; it is
// skipped here because its own FROM clause is read separately.
func fromTables(toks []string, at int) ([]string, error) {
	var out []string
	expect := true
	for j := at + 1; j < len(toks); j++ {
		tok := toks[j]
		switch {
		case tok == "(":
			if expect {
				if j+1 >= len(toks) || !subqueryStart[toks[j+1]] {
					return nil, errUnreadableFrom
				}
				expect = false
			}
			end := closingParen(toks, j)
			if end < 0 {
				return nil, errUnreadableFrom
			}
			j = end
		case tok == ")" || fromEnd[tok]:
			if expect {
				return nil, errUnreadableFrom
			}
			return out, nil
		case tok == "," || tok == "JOIN":
			if expect {
				return nil, errUnreadableFrom
			}
			expect = true
		case expect:
			if !isIdentifier(tok) {
				return nil, errUnreadableFrom
			}
			out = append(out, tok)
			expect = false
		}
	}
	if expect {
		return nil, errUnreadableFrom
	}
	return out, nil
}

func closingParen(toks []string, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isIdentifier(tok string) bool {
	c := tok[0]
	return c == '"' || c == '`' || c == '[' || c == '_' || (c >= 'A' && c <= 'Z')
}

// queryTables validates a read-only statement and returns its tables.
func queryTables(query string) ([]string, error) {
	st, err := normalizeSQL(query)
	if err != nil {
		return nil, err
	}
	if !st.readOnly() {
		return nil, fmt.Errorf("%w: only SELECT statements may be queried", ErrInvalidArgs)
	}
	tables, err := st.tables()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return tables, nil
}

// execTables validates a write statement and returns its tables. A write
// statement that names no table is refused.
func execTables(query string) ([]string, error) {
	st, err := normalizeSQL(query)
	if err != nil {
		return nil, err
	}
	tables, err := st.tables()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: cannot determine target table", ErrInvalidArgs)
	}
	return tables, nil
}
