package policy

// ActionAdmin is the action checked before serving service-wide stats.
const ActionAdmin = "admin"

// Request is the subject of an access decision.
type Request struct {
	User   string
	Action string // empty when submitting a URL
	URL    string
}

// Decision is the result of policy evaluation.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Lists are the user identity lists exposed to the policy as input.
type Lists struct {
	Admins  []string
	Banned  []string
	Allowed []string
}

func (r Request) input(l Lists) map[string]interface{} {
	return map[string]interface{}{
		"user":    r.User,
		"action":  r.Action,
		"url":     r.URL,
		"admins":  nonNil(l.Admins),
		"banned":  nonNil(l.Banned),
		"allowed": nonNil(l.Allowed),
	}
}

// nonNil keeps empty lists as arrays rather than null in policy input.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
