package modules

const (
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeStateConflict  = -32002
	codeHealthCheck    = -32003
	codeTransferFailed = -32004
	codeModulePaused   = -32006
)

// ModuleError carries an HTTP status alongside the JSON-RPC error payload so
// handlers can translate module failures without re-deriving either.
type ModuleError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *ModuleError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
