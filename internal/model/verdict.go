package model

// Finding is one problem reported by a rule.
type Finding struct {
	Rule       string
	Severity   Severity
	Message    string
	Suggestion string
}

// Equal compares severity and message only.
func (f Finding) Equal(other Finding) bool {
	return f.Severity == other.Severity && f.Message == other.Message
}

// Verdict is the aggregated outcome of one validation.
// A Verdict returned by the validator may be shared and must be treated as read-only.
type Verdict struct {
	Passed   bool
	Severity Severity
	Findings []Finding
	Details  map[string]any
}

func NewVerdict() *Verdict {
	return &Verdict{
		Passed:   true,
		Severity: SeveritySafe,
		Details:  make(map[string]any),
	}
}

// Add appends a finding unless an equal one is already present.
// Severity only ever rises.
func (v *Verdict) Add(f Finding) {
	for _, existing := range v.Findings {
		if existing.Equal(f) {
			return
		}
	}
	v.Findings = append(v.Findings, f)
	v.Passed = false
	if f.Severity > v.Severity {
		v.Severity = f.Severity
	}
}

// SetDetail records rule-specific metadata.
func (v *Verdict) SetDetail(key string, value any) {
	if v.Details == nil {
		v.Details = make(map[string]any)
	}
	v.Details[key] = value
}

// Clone returns a copy that can be extended without touching the original.
func (v *Verdict) Clone() *Verdict {
	c := &Verdict{
		Passed:   v.Passed,
		Severity: v.Severity,
		Findings: append([]Finding(nil), v.Findings...),
		Details:  make(map[string]any, len(v.Details)),
	}
	for k, val := range v.Details {
		c.Details[k] = val
	}
	return c
}

// Report is the accumulator a single rule writes into during one invocation.
type Report struct {
	findings []Finding
	details  map[string]any
}

func (r *Report) Add(severity Severity, message, suggestion string) {
	r.findings = append(r.findings, Finding{
		Severity:   severity,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (r *Report) Detail(key string, value any) {
	if r.details == nil {
		r.details = make(map[string]any)
	}
	r.details[key] = value
}

func (r *Report) Findings() []Finding {
	return r.findings
}

func (r *Report) Details() map[string]any {
	return r.details
}

func (r *Report) Empty() bool {
	return len(r.findings) == 0
}
