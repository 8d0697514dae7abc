package orchestrator

// State is a step of a site run.
type State int

const (
	Idle State = iota
	Validating
	Acquiring
	CookiesIn
	Running
	CookiesOut
	Purge
	Released
	Terminal
)

var stateNames = [...]string{
	Idle:       "idle",
	Validating: "validating",
	Acquiring:  "acquiring",
	CookiesIn:  "cookies_in",
	Running:    "running",
	CookiesOut: "cookies_out",
	Purge:      "purge",
	Released:   "released",
	Terminal:   "terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
