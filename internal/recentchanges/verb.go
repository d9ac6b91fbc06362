package recentchanges

import (
	"strings"

	"github.com/juju/errors"
)

// Log actions that read as their own verb.
var selfNamedLogActions = map[string]bool{
	"delete":      true,
	"block":       true,
	"create":      true,
	"restore":     true,
	"overwrite":   true,
	"move":        true,
	"upload":      true,
	"autopromote": true,
	"tag":         true,
	"interwiki":   true,
	"protect":     true,
}

var irregularPast = map[string]string{
	"overwrite": "overwritten",
	"tag":       "tagged",
}

// Verb maps a change to a present-tense verb. Unknown event shapes return an
// error satisfying errors.Is(err, errors.NotImplemented) so a new upstream
// taxonomy is noticed instead of rendered wrongly.
func Verb(c Change) (string, error) {
	switch c.Kind {
	case KindNew:
		return "create", nil
	case KindEdit, KindCategorize:
		return "edit", nil
	case KindLog:
		switch {
		case selfNamedLogActions[c.LogAction]:
			return c.LogAction, nil
		case c.LogAction == "reviewed":
			return "review", nil
		case (c.LogAction == "event" || c.LogAction == "revision") && c.LogType == "delete":
			return "delete", nil
		}
	}
	return "", errors.NotImplementedf("verb for %s", c.describe())
}

// PastTense converts a verb produced by Verb.
func PastTense(v string) string {
	if p, ok := irregularPast[v]; ok {
		return p
	}
	if strings.HasSuffix(v, "e") {
		return v + "d"
	}
	return v + "ed"
}

// IsUnknownEvent reports whether err came from an event Verb cannot map.
func IsUnknownEvent(err error) bool {
	return errors.Is(err, errors.NotImplemented)
}
