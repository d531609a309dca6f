package server

import (
	"fmt"
	"time"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/engine"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// ActionRequest is the body of POST /v1/actions. Input files must already
// be in the content store (see PUT /v1/blobs).
type ActionRequest struct {
	Name    string             `json:"name"`
	Argv    []string           `json:"argv" binding:"required,min=1"`
	Env     map[string]string  `json:"env"`
	WorkDir string             `json:"workdir"`
	Inputs  []depset.FileEntry `json:"inputs"`
	Outputs []string           `json:"outputs"`
	Network bool               `json:"network"`
	Timeout string             `json:"timeout"`
	Cache   *ActionCachePolicy `json:"cache,omitempty"`
}

// ActionCachePolicy is the wire form of actioncache.CachePolicy.
type ActionCachePolicy struct {
	CacheFailures      bool     `json:"cache_failures"`
	CacheableExitCodes []int    `json:"cacheable_exit_codes,omitempty"`
	OptionalOutputs    []string `json:"optional_outputs,omitempty"`
}

// Action converts the request into an action.
func (r *ActionRequest) Action() (*actioncache.Action, error) {
	a := &actioncache.Action{
		Name:    r.Name,
		Argv:    r.Argv,
		Env:     r.Env,
		WorkDir: r.WorkDir,
		Outputs: r.Outputs,
		Network: r.Network,
		Policy:  actioncache.DefaultCachePolicy(),
	}
	if r.Cache != nil {
		a.Policy = actioncache.CachePolicy{
			CacheFailures:      r.Cache.CacheFailures,
			CacheableExitCodes: r.Cache.CacheableExitCodes,
			OptionalOutputs:    r.Cache.OptionalOutputs,
		}
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		a.Timeout = d
	}
	inputs, err := depset.Leaf(r.Inputs)
	if err != nil {
		return nil, err
	}
	a.Inputs = inputs
	return a, nil
}

// ActionResponse describes a submission's result.
type ActionResponse struct {
	Fingerprint string             `json:"fingerprint"`
	Action      string             `json:"action,omitempty"`
	ExitCode    int                `json:"exit_code"`
	Cached      bool               `json:"cached"`
	Shared      bool               `json:"shared"`
	DurationMS  int64              `json:"duration_ms"`
	OutputsHash string             `json:"outputs_hash,omitempty"`
	Outputs     []depset.FileEntry `json:"outputs"`
	Stdout      string             `json:"stdout,omitempty"`
	Stderr      string             `json:"stderr,omitempty"`
	Error       *ErrorBody         `json:"error,omitempty"`
}

// ErrorBody is the wire form of a classified error.
type ErrorBody struct {
	Kind        execerr.Kind `json:"kind"`
	Message     string       `json:"message"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	ExitCode    int          `json:"exit_code,omitempty"`
	Cached      bool         `json:"cached,omitempty"`
	StderrTail  string       `json:"stderr_tail,omitempty"`
}

// EntryResponse is the body of GET /v1/actions/:fingerprint.
type EntryResponse struct {
	Fingerprint string               `json:"fingerprint"`
	Generation  int64                `json:"generation"`
	ExitCode    int                  `json:"exit_code"`
	Backend     string               `json:"backend,omitempty"`
	DurationMS  int64                `json:"duration_ms"`
	CreatedAt   time.Time            `json:"created_at"`
	Outputs     []depset.FileEntry   `json:"outputs"`
	Stdout      string               `json:"stdout,omitempty"`
	Stderr      string               `json:"stderr,omitempty"`
	Failure     *actioncache.Failure `json:"failure,omitempty"`
}

// BlobResponse is returned by PUT /v1/blobs.
type BlobResponse struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

func newActionResponse(out *engine.Outcome) *ActionResponse {
	resp := &ActionResponse{
		Fingerprint: out.Fingerprint.String(),
		Action:      out.Action,
		ExitCode:    out.ExitCode,
		Cached:      out.Cached,
		Shared:      out.Shared,
		DurationMS:  out.Duration.Milliseconds(),
		Outputs:     out.Outputs.Flatten(),
	}
	if !out.Outputs.IsEmpty() {
		resp.OutputsHash = out.Outputs.Hash().String()
	}
	if out.Entry != nil {
		resp.Stdout = digestString(out.Entry.Stdout)
		resp.Stderr = digestString(out.Entry.Stderr)
	}
	return resp
}

func newEntryResponse(e *actioncache.Entry) *EntryResponse {
	return &EntryResponse{
		Fingerprint: e.Fingerprint.String(),
		Generation:  e.Generation,
		ExitCode:    e.ExitCode,
		Backend:     e.Backend,
		DurationMS:  e.Duration.Milliseconds(),
		CreatedAt:   e.CreatedAt,
		Outputs:     e.OutputsOrEmpty().Flatten(),
		Stdout:      digestString(e.Stdout),
		Stderr:      digestString(e.Stderr),
		Failure:     e.Failure,
	}
}

func newErrorBody(err error) *ErrorBody {
	e, ok := execerr.As(err)
	if !ok {
		return &ErrorBody{Message: err.Error()}
	}
	return &ErrorBody{
		Kind:        e.Kind,
		Message:     e.Message,
		Fingerprint: e.Fingerprint,
		ExitCode:    e.ExitCode,
		Cached:      e.Cached,
		StderrTail:  e.StderrTail,
	}
}

func digestString(d digest.Digest) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
