package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// requestNamespace seeds deterministic request ids.
var requestNamespace = uuid.MustParse("6f1c9a52-3b8e-4d0f-9e61-2a7d5c4b8e10")

// RequestPort is an executor that forwards requests to the outside world and
// injects the responses back into the workflow.
//
// Each Req message the port receives becomes an outstanding request announced
// with a RequestInfo event. Run.SendResponse resolves it; the response is then
// sent from the port along its outgoing edges as a message of kind response.
// While requests are outstanding and no messages are pending the run is
// Suspended.
type RequestPort[Req, Resp any] struct {
	id       string
	request  Kind[Req]
	response Kind[Resp]
}

// NewRequestPort creates a port executor.
func NewRequestPort[Req, Resp any](id string, request Kind[Req], response Kind[Resp]) *RequestPort[Req, Resp] {
	return &RequestPort[Req, Resp]{id: id, request: request, response: response}
}

// ID implements Executor.
func (p *RequestPort[Req, Resp]) ID() string { return p.id }

// ConfigureRoutes implements Executor.
func (p *RequestPort[Req, Resp]) ConfigureRoutes(r *RouteBuilder) {
	Handle(r, p.request, func(_ context.Context, req Req, wc *WorkflowContext) error {
		wc.openRequest(p.id, req)
		return nil
	})
	r.Emits(p.response)
}

// RequestKind returns the kind the port accepts from inside the workflow.
func (p *RequestPort[Req, Resp]) RequestKind() Kind[Req] { return p.request }

// ResponseKind returns the kind the port emits once a response arrives.
func (p *RequestPort[Req, Resp]) ResponseKind() Kind[Resp] { return p.response }

func (p *RequestPort[Req, Resp]) portKinds() (request, response kindCodec) {
	return p.request.codec(), p.response.codec()
}

// portExecutor is implemented by every RequestPort instantiation.
type portExecutor interface {
	Executor
	portKinds() (request, response kindCodec)
}

// ExternalRequest is an outstanding request issued by a port.
type ExternalRequest struct {
	RequestID string
	PortID    string
	Step      int
	Data      any
}

// requestID derives a request id from the run, the step, the port and the
// port's request sequence within the step. Replaying a step from a
// checkpoint therefore reissues the same ids.
func requestID(runID string, step int, portID string, seq int) string {
	return uuid.NewSHA1(requestNamespace, []byte(fmt.Sprintf("%s/%d/%s/%d", runID, step, portID, seq))).String()
}
