package session

import "github.com/layer-3/warden/core"

// Renewal results reported to a Recorder
const (
	RenewalSuccess    = "success"
	RenewalTransport  = "transport"
	RenewalRejected   = "rejected"
	RenewalStoreError = "store_error"
)

// Recorder receives session metrics
type Recorder interface {
	RenewalAttempt(result string)
	Expired(reason string)
	RejectedResponse(status int)
	StateChanged(state core.State)
}

type nopRecorder struct{}

func (nopRecorder) RenewalAttempt(string)   {}
func (nopRecorder) Expired(string)          {}
func (nopRecorder) RejectedResponse(int)    {}
func (nopRecorder) StateChanged(core.State) {}
