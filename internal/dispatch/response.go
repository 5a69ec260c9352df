package dispatch

// Response is the single JSON object returned for every request.
type Response struct {
	Status  string `json:"status"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

func Success(data any, message string) Response {
	return Response{Status: StatusSuccess, Data: data, Message: message}
}

func Error(data any, message string) Response {
	return Response{Status: StatusError, Data: data, Message: message}
}

// Fixed feature-gate responses. Deliberately detail-free: a caller probing a
// disabled or read-only feature learns nothing else.
func queueNotEnabled() Response {
	return Error(nil, "queue service is not enabled")
}

func queueIsReadOnly() Response {
	return Error(nil, "queue service is read-only")
}

func templateNotEnabled() Response {
	return Error(nil, "template service is not enabled")
}

func templateIsReadOnly() Response {
	return Error(nil, "template service is read-only")
}
