package rpc

import (
	"encoding/json"
	"errors"
	"net/rpc"
	"strings"

	"github.com/wfunc/casefile/services"
)

const faultPrefix = "fault:"

// Fault is the wire form of a core failure. net/rpc only carries the error
// string, so the fault travels JSON encoded behind a fixed prefix.
type Fault struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	CaseID int64  `json:"case_id,omitempty"`
	UserID int64  `json:"user_id,omitempty"`
}

func (f *Fault) Error() string {
	b, _ := json.Marshal(f)
	return faultPrefix + string(b)
}

func toFault(err error) error {
	if err == nil {
		return nil
	}
	f := &Fault{Kind: services.KindName(err), Reason: services.ReasonOf(err)}
	var ce *services.CaseError
	if errors.As(err, &ce) {
		f.CaseID = ce.CaseID
		f.UserID = ce.UserID
	}
	return f
}

// ParseFault recovers the Fault from an error returned by rpc.Client.Call.
func ParseFault(err error) (*Fault, bool) {
	var se rpc.ServerError
	if !errors.As(err, &se) {
		return nil, false
	}
	body, ok := strings.CutPrefix(string(se), faultPrefix)
	if !ok {
		return nil, false
	}
	var f Fault
	if json.Unmarshal([]byte(body), &f) != nil {
		return nil, false
	}
	return &f, true
}
