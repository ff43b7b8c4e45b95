package api

// CreatePasswordRequest is the JSON body for
// POST /devices/{deviceID}/temporary-passwords. Times are unix seconds.
type CreatePasswordRequest struct {
	Password      string `json:"password"`
	Name          string `json:"name,omitempty"`
	EffectiveTime int64  `json:"effective_time"`
	InvalidTime   int64  `json:"invalid_time"`
}

// CreatePasswordResponse is returned from
// POST /devices/{deviceID}/temporary-passwords.
type CreatePasswordResponse struct {
	DeviceID      string `json:"device_id"`
	TicketID      string `json:"ticket_id"`
	PasswordID    string `json:"password_id"`
	Name          string `json:"name"`
	EffectiveTime int64  `json:"effective_time"`
	InvalidTime   int64  `json:"invalid_time"`
	RecordID      string `json:"record_id,omitempty"`
}

// IssuanceRecordResponse is one entry of the issuance history.
type IssuanceRecordResponse struct {
	ID            string `json:"id"`
	TicketID      string `json:"ticket_id,omitempty"`
	PasswordID    string `json:"password_id,omitempty"`
	Name          string `json:"name,omitempty"`
	EffectiveTime int64  `json:"effective_time,omitempty"`
	InvalidTime   int64  `json:"invalid_time,omitempty"`
	Outcome       string `json:"outcome"`
	FailedStage   string `json:"failed_stage,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// IssuanceHistoryResponse is returned from
// GET /devices/{deviceID}/temporary-passwords/history.
type IssuanceHistoryResponse struct {
	DeviceID string                   `json:"device_id"`
	Records  []IssuanceRecordResponse `json:"records"`
	PaginationMeta
}

// ErrorResponse is the body of every failed request. Kind is stable and
// machine readable; Stage is set when a password issuance stopped part way.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Stage string `json:"stage,omitempty"`
}
