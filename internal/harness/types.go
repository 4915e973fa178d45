package harness

// TraceEvent records one executed step and the state it left behind. Ops is
// the number of operations the step produced or delivered.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Action  string `json:"action"`
	Replica string `json:"replica"`
	From    string `json:"from,omitempty"`
	Ops     int    `json:"ops"`
	Text    string `json:"text"`
	Pending int    `json:"pending"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// Final maps each replica to its plain text after the last step.
	Final map[string]string `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
