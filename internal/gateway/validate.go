package gateway

import (
	"regexp"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
)

var (
	sayUserPattern    = regexp.MustCompile(`^[A-Za-z0-9| \-_?!*/:.]{3,29}$`)
	sayMessagePattern = regexp.MustCompile(`^[A-Za-z0-9| \-_?!*/:.]{1,196}$`)
)

// ValidSay reports whether a say request from a client may be forwarded.
func ValidSay(say *events.Say) bool {
	return say != nil &&
		say.Server != "" &&
		sayUserPattern.MatchString(say.User) &&
		sayMessagePattern.MatchString(say.Message)
}
