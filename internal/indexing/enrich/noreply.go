package enrich

import "regexp"

// noreplyPattern matches "ID+login@users.noreply.github.com" and the older
// "login@users.noreply.github.com".
var noreplyPattern = regexp.MustCompile(`^(?:[0-9]+\+)?([a-z0-9](?:[a-z0-9-]*[a-z0-9])?)@users\.noreply\.github\.com$`)

// NoreplyLogin extracts the account login from a forge noreply address.
// email must already be normalized.
func NoreplyLogin(email string) (string, bool) {
	m := noreplyPattern.FindStringSubmatch(email)
	if m == nil {
		return "", false
	}
	return m[1], true
}
