package compiler

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeRequired    = "required"
	CodeMultivalued = "multivalued"
	CodeCardinality = "cardinality"
	CodeType        = "type"
	CodeObject      = "object"
	CodePattern     = "pattern"
	CodeRange       = "range"
	CodeEnum        = "enum"
	CodeUnknownSlot = "unknown_slot"
)

// Issue is a single validation finding.
type Issue struct {
	Path     string   `json:"path" yaml:"path"`
	Slot     string   `json:"slot" yaml:"slot"`
	Code     string   `json:"code" yaml:"code"`
	Message  string   `json:"message" yaml:"message"`
	Severity Severity `json:"severity" yaml:"severity"`
}

// Report is the result of validating one instance.
type Report struct {
	SchemaID  string  `json:"schema_id" yaml:"schema_id"`
	ClassName string  `json:"class_name" yaml:"class_name"`
	Valid     bool    `json:"valid" yaml:"valid"`
	Issues    []Issue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

func (r *Report) add(sev Severity, code, path, slot, msg string) {
	r.Issues = append(r.Issues, Issue{
		Path:     path,
		Slot:     slot,
		Code:     code,
		Message:  msg,
		Severity: sev,
	})
}

func (r *Report) hasErrors() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (r *Report) finish() {
	r.Valid = !r.hasErrors()
}

// Errors returns the error-severity issues.
func (r *Report) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r *Report) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r *Report) filter(sev Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}
