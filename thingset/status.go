package thingset

import "fmt"

// Status is the first byte of every response.
type Status uint8

// Success statuses.
const (
	StatusCreated Status = 0x81
	StatusDeleted Status = 0x82
	StatusValid   Status = 0x83
	StatusChanged Status = 0x84
	StatusContent Status = 0x85
)

// Error statuses.
const (
	StatusBadRequest          Status = 0xA0
	StatusUnauthorized        Status = 0xA1
	StatusForbidden           Status = 0xA3
	StatusNotFound            Status = 0xA4
	StatusMethodNotAllowed    Status = 0xA5
	StatusRequestIncomplete   Status = 0xA8
	StatusConflict            Status = 0xA9
	StatusRequestTooLarge     Status = 0xAD
	StatusUnsupportedFormat   Status = 0xAF
	StatusInternalServerError Status = 0xC0
	StatusNotImplemented      Status = 0xC1
	StatusResponseTooLarge    Status = 0xE1
)

var statusNames = map[Status]string{
	StatusCreated:             "Created",
	StatusDeleted:             "Deleted",
	StatusValid:               "Valid",
	StatusChanged:             "Changed",
	StatusContent:             "Content",
	StatusBadRequest:          "BadRequest",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "NotFound",
	StatusMethodNotAllowed:    "MethodNotAllowed",
	StatusRequestIncomplete:   "RequestIncomplete",
	StatusConflict:            "Conflict",
	StatusRequestTooLarge:     "RequestTooLarge",
	StatusUnsupportedFormat:   "UnsupportedFormat",
	StatusInternalServerError: "InternalServerError",
	StatusNotImplemented:      "NotImplemented",
	StatusResponseTooLarge:    "ResponseTooLarge",
}

// String returns the symbolic status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%02X)", uint8(s))
}

// Known reports whether s is part of the status table.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}

// IsError reports whether s signals a failed request.
func (s Status) IsError() bool { return s >= StatusBadRequest }

// Response is the outcome of one request.
type Response struct {
	Status Status
	Value  any // decoded body, Content only
}

// Result returns the decoded value for Content responses and the status name
// for every other status.
func (r Response) Result() any {
	if r.Status == StatusContent {
		return r.Value
	}
	return r.Status.String()
}
