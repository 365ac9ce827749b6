package forge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// shaPattern is the only accepted commit key format. GraphQL aliases cannot be
// parameterized, so every key is checked against it before interpolation.
var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ValidSHA reports whether s is a full lowercase hex commit hash.
func ValidSHA(s string) bool {
	return shaPattern.MatchString(s)
}

// AliasQuery builds a repository query with one positionally aliased field per
// key. Keys are validated on Add; nothing unvalidated reaches Build.
type AliasQuery struct {
	selection string
	fields    []string
	keys      []string
}

// NewAliasQuery creates a query whose slots all use the same selection set.
func NewAliasQuery(selection string) *AliasQuery {
	return &AliasQuery{selection: selection}
}

// AddCommit appends a slot for a commit hash.
func (q *AliasQuery) AddCommit(sha string) error {
	if !ValidSHA(sha) {
		return &InvalidKeyError{Key: sha}
	}
	alias := q.nextAlias("c")
	q.fields = append(q.fields,
		fmt.Sprintf(`%s: object(oid: "%s") { ... on Commit { %s } }`, alias, sha, q.selection))
	q.keys = append(q.keys, sha)
	return nil
}

// AddPullRequest appends a slot for a pull request number.
func (q *AliasQuery) AddPullRequest(number int64) error {
	if number <= 0 {
		return &InvalidKeyError{Key: strconv.FormatInt(number, 10)}
	}
	alias := q.nextAlias("p")
	q.fields = append(q.fields,
		fmt.Sprintf(`%s: pullRequest(number: %d) { %s }`, alias, number, q.selection))
	q.keys = append(q.keys, strconv.FormatInt(number, 10))
	return nil
}

func (q *AliasQuery) nextAlias(prefix string) string {
	return prefix + strconv.Itoa(len(q.fields))
}

// Len returns the number of slots.
func (q *AliasQuery) Len() int {
	return len(q.fields)
}

// Keys returns the keys in slot order.
func (q *AliasQuery) Keys() []string {
	return append([]string(nil), q.keys...)
}

// Alias returns the alias of slot i.
func (q *AliasQuery) Alias(i int) string {
	return strings.SplitN(q.fields[i], ":", 2)[0]
}

// Build renders the query. Owner and name travel as variables.
func (q *AliasQuery) Build() string {
	var b strings.Builder
	b.WriteString("query($owner: String!, $name: String!) {\n")
	b.WriteString("  rateLimit { limit remaining resetAt }\n")
	b.WriteString("  repository(owner: $owner, name: $name) {\n")
	for _, f := range q.fields {
		b.WriteString("    ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("  }\n}")
	return b.String()
}
