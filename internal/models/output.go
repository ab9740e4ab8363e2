package models

// Output status values
const (
	OutputStatusOK    = "ok"
	OutputStatusError = "error"
)

// MIMETextPlain is the data key every successful output carries
const MIMETextPlain = "text/plain"

// StatementOutput is the result payload of a settled statement.
//
// Data is keyed by MIME type; text/plain is always present on success.
// Error outputs carry the exception name, value and traceback instead.
type StatementOutput struct {
	Status         string                 `json:"status"`
	ExecutionCount int                    `json:"execution_count"`
	Data           map[string]interface{} `json:"data,omitempty"`
	EName          string                 `json:"ename,omitempty"`
	EValue         string                 `json:"evalue,omitempty"`
	Traceback      []string               `json:"traceback,omitempty"`
}

// NewOKOutput creates a successful output carrying plain text
func NewOKOutput(executionCount int, text string) *StatementOutput {
	return &StatementOutput{
		Status:         OutputStatusOK,
		ExecutionCount: executionCount,
		Data: map[string]interface{}{
			MIMETextPlain: text,
		},
	}
}

// NewErrorOutput creates a failed output carrying exception detail
func NewErrorOutput(executionCount int, ename, evalue string, traceback []string) *StatementOutput {
	if traceback == nil {
		traceback = []string{}
	}
	return &StatementOutput{
		Status:         OutputStatusError,
		ExecutionCount: executionCount,
		EName:          ename,
		EValue:         evalue,
		Traceback:      traceback,
	}
}

// Text returns the text/plain payload, empty when absent
func (o *StatementOutput) Text() string {
	if o == nil || o.Data == nil {
		return ""
	}
	if s, ok := o.Data[MIMETextPlain].(string); ok {
		return s
	}
	return ""
}

// IsError returns true for outputs describing a failed evaluation
func (o *StatementOutput) IsError() bool {
	return o != nil && o.Status == OutputStatusError
}
