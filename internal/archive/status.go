package archive

import "fmt"

// Status is where a blob is in the archive lifecycle.
type Status string

const (
	StatusNone          Status = "none"
	StatusCompressing   Status = "compressing"
	StatusCompressed    Status = "compressed"
	StatusDecompressing Status = "decompressing"
)

// Event drives a status change.
type Event string

const (
	EventCompress   Event = "compress"
	EventUncompress Event = "uncompress"
	EventSucceed    Event = "succeed"
	EventFail       Event = "fail"
)

type edge struct {
	from  Status
	event Event
}

var transitions = map[edge]Status{
	{StatusNone, EventCompress}:         StatusCompressing,
	{StatusCompressing, EventSucceed}:   StatusCompressed,
	{StatusCompressing, EventFail}:      StatusNone,
	{StatusCompressed, EventUncompress}: StatusDecompressing,
	{StatusDecompressing, EventSucceed}: StatusNone,
	{StatusDecompressing, EventFail}:    StatusCompressed,
}

// Next is the pure transition function of archive records.
func Next(s Status, e Event) (Status, error) {
	if s == "" {
		s = StatusNone
	}
	next, ok := transitions[edge{s, e}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", errTransition(s), e, s)
	}
	return next, nil
}

// Busy reports whether an operation is running on the record.
func (s Status) Busy() bool {
	return s == StatusCompressing || s == StatusDecompressing
}

// errTransition maps a rejected transition to the error a caller can act on.
func errTransition(s Status) error {
	switch s {
	case StatusCompressing, StatusDecompressing:
		return ErrInProgress
	case StatusCompressed:
		return ErrAlreadyCompressed
	default:
		return ErrNotArchived
	}
}
