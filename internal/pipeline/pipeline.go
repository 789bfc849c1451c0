// Package pipeline runs an ordered sequence of request-policy stages.
// Each stage returns a tagged outcome: either continue with a (possibly
// context-enriched) request, or respond immediately with a status and
// body. The fold stops at the first response, which makes the per-request
// state machine testable as a plain function sequence.
package pipeline

import "net/http"

type action int

const (
	actionContinue action = iota
	actionRespond
)

// Outcome is the tagged result of one stage.
type Outcome struct {
	action action
	req    *http.Request
	status int
	body   any
	header http.Header
	stage  string
}

// Continue advances to the next stage with the given request. Stages that
// attach values (claims, resolved route) pass a request carrying the
// enriched context.
func Continue(r *http.Request) Outcome {
	return Outcome{action: actionContinue, req: r}
}

// Respond terminates the pipeline with a status and a JSON-encodable body.
func Respond(status int, body any) Outcome {
	return Outcome{action: actionRespond, status: status, body: body}
}

// WithHeader attaches a response header to a Respond outcome, e.g.
// Retry-After on a rate-limit denial.
func (o Outcome) WithHeader(key, value string) Outcome {
	if o.header == nil {
		o.header = make(http.Header)
	}
	o.header.Set(key, value)
	return o
}

// Responded reports whether the outcome terminates the pipeline.
func (o Outcome) Responded() bool { return o.action == actionRespond }

// Status returns the response status of a Respond outcome.
func (o Outcome) Status() int { return o.status }

// Body returns the response body of a Respond outcome.
func (o Outcome) Body() any { return o.body }

// Header returns response headers attached to a Respond outcome. May be nil.
func (o Outcome) Header() http.Header { return o.header }

// Stage names the stage that produced a Respond outcome. Set by Run.
func (o Outcome) Stage() string { return o.stage }

// Stage is one policy step, pure given its input request.
type Stage interface {
	Name() string
	Process(r *http.Request) Outcome
}

// Func adapts a function to a named Stage.
type Func struct {
	StageName string
	Fn        func(r *http.Request) Outcome
}

func (f Func) Name() string                    { return f.StageName }
func (f Func) Process(r *http.Request) Outcome { return f.Fn(r) }

// Pipeline is an ordered stage list.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline running stages in the given order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run folds the stages over r. It returns the final request (with whatever
// context the stages accumulated) and the terminating outcome; when every
// stage continued, the outcome is a Continue and the caller dispatches the
// returned request.
func (p *Pipeline) Run(r *http.Request) (*http.Request, Outcome) {
	current := r
	for _, stage := range p.stages {
		out := stage.Process(current)
		if out.Responded() {
			out.stage = stage.Name()
			return current, out
		}
		if out.req != nil {
			current = out.req
		}
	}
	return current, Continue(current)
}
