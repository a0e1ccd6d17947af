package session

import (
	"net/http"

	"github.com/go-logr/logr"
)

// RejectFunc is told about a 401/403 answer to a request that carried the
// credential of the session identified by epoch. It must not block.
type RejectFunc func(epoch uint64, status int)

// Interceptor attaches the cached credential to protected requests and
// watches their responses for invalidation. It never issues requests of its
// own and never modifies or retries responses.
type Interceptor struct {
	base     http.RoundTripper
	cache    *TokenCache
	states   *StateMachine
	public   RouteList
	onReject RejectFunc
	recorder Recorder
	log      logr.Logger
}

// InterceptorConfig wires an Interceptor
type InterceptorConfig struct {
	Base     http.RoundTripper
	Cache    *TokenCache
	States   *StateMachine
	Public   RouteList
	OnReject RejectFunc
	Recorder Recorder
	Log      logr.Logger
}

// NewInterceptor creates an Interceptor. A nil Base uses http.DefaultTransport.
func NewInterceptor(cfg InterceptorConfig) *Interceptor {
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Interceptor{
		base:     cfg.Base,
		cache:    cfg.Cache,
		states:   cfg.States,
		public:   cfg.Public,
		onReject: cfg.OnReject,
		recorder: cfg.Recorder,
		log:      cfg.Log,
	}
}

// RoundTrip implements http.RoundTripper
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if i.public.Public(req) {
		return i.base.RoundTrip(req)
	}

	// Epoch first: a credential swapped in by a concurrent login is then
	// attributed to the older session and its rejection ignored.
	epoch := i.states.Current().Epoch
	credential, attached := i.cache.Read()
	if attached {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", credential.Bearer())
	}

	resp, err := i.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	if attached && isRejection(resp.StatusCode) {
		i.recorder.RejectedResponse(resp.StatusCode)
		i.log.V(1).Info("protected request rejected", "status", resp.StatusCode, "path", req.URL.Path)
		if i.onReject != nil {
			go i.onReject(epoch, resp.StatusCode)
		}
	}

	return resp, nil
}

func isRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
