package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Row is one key/value pair of a scan.
type Row struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BatchOp is one entry of a POST /api/batch body. Op is "put" or "delete".
type BatchOp struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type BatchRequest struct {
	Ops []BatchOp `json:"ops"`
}

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Rows   []Row  `json:"rows,omitempty"`
	Stats  any    `json:"stats,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewRowsResponse(rows []Row) Response {
	return Response{Status: StatusSuccess, Rows: rows}
}

func NewStatsResponse(stats any) Response {
	return Response{Status: StatusSuccess, Stats: stats}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
