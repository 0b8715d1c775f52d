package steprecorder

// Kind is the result class of one processing step.
type Kind int

const (
	Completed Kind = iota
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is returned by every step instead of using errors for skip control flow.
type Outcome struct {
	Kind   Kind
	Reason string // set when Skipped
	Err    error  // set when Failed
}

func Done() Outcome { return Outcome{Kind: Completed} }

func Skip(reason string) Outcome { return Outcome{Kind: Skipped, Reason: reason} }

func Fail(err error) Outcome { return Outcome{Kind: Failed, Err: err} }
