package proxy

import (
	"net"
	"net/http"
)

// FlowContext identifies a single client connection's flow for observational
// hooks. Equality is by ConnectionID alone, mirroring the Java original where
// two contexts referring to the same connection compare equal even if their
// other fields have since changed.
type FlowContext struct {
	ClientAddress   net.Addr
	ClientTLS       bool
	ConnectionID    int64
}

// Equal reports whether two FlowContexts refer to the same connection.
func (f FlowContext) Equal(other FlowContext) bool {
	return f.ConnectionID == other.ConnectionID
}

// FullFlowContext extends FlowContext with the proxy-to-server leg, available
// once a request has selected (or created) an upstream connection.
type FullFlowContext struct {
	FlowContext
	ServerHostAndPort string
	ChainedProxy      bool
}

// ActivityTracker receives synchronous notifications of connection and
// traffic lifecycle events. Hooks run on the worker handling the connection;
// implementations must not block and must tolerate hooks arriving out of the
// "natural" order during abort (clientDisconnected may precede
// responseSentToClient).
type ActivityTracker interface {
	ClientConnected(flow FlowContext)
	ClientSSLHandshakeSucceeded(flow FlowContext)
	RequestReceivedFromClient(flow FlowContext, req *http.Request)
	RequestSentToServer(flow FullFlowContext, req *http.Request)
	ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response)
	ResponseSentToClient(flow FlowContext, resp *http.Response)
	ClientDisconnected(flow FlowContext)
	BytesReceivedFromClient(flow FlowContext, n int)
	BytesSentToServer(flow FullFlowContext, n int)
	BytesReceivedFromServer(flow FullFlowContext, n int)
	BytesSentToClient(flow FlowContext, n int)
}

// ActivityTrackerAdapter is a no-op ActivityTracker base; embed it and
// override only the hooks a tracker cares about.
type ActivityTrackerAdapter struct{}

func (ActivityTrackerAdapter) ClientConnected(FlowContext)                           {}
func (ActivityTrackerAdapter) ClientSSLHandshakeSucceeded(FlowContext)               {}
func (ActivityTrackerAdapter) RequestReceivedFromClient(FlowContext, *http.Request)  {}
func (ActivityTrackerAdapter) RequestSentToServer(FullFlowContext, *http.Request)    {}
func (ActivityTrackerAdapter) ResponseReceivedFromServer(FullFlowContext, *http.Response) {}
func (ActivityTrackerAdapter) ResponseSentToClient(FlowContext, *http.Response)      {}
func (ActivityTrackerAdapter) ClientDisconnected(FlowContext)                        {}
func (ActivityTrackerAdapter) BytesReceivedFromClient(FlowContext, int)              {}
func (ActivityTrackerAdapter) BytesSentToServer(FullFlowContext, int)                {}
func (ActivityTrackerAdapter) BytesReceivedFromServer(FullFlowContext, int)          {}
func (ActivityTrackerAdapter) BytesSentToClient(FlowContext, int)                    {}

// activityTrackers fans a notification out to every registered tracker.
type activityTrackers struct {
	trackers []ActivityTracker
}

func (a *activityTrackers) add(t ActivityTracker) {
	a.trackers = append(a.trackers, t)
}

func (a *activityTrackers) clientConnected(flow FlowContext) {
	for _, t := range a.trackers {
		t.ClientConnected(flow)
	}
}

func (a *activityTrackers) clientDisconnected(flow FlowContext) {
	for _, t := range a.trackers {
		t.ClientDisconnected(flow)
	}
}

func (a *activityTrackers) requestReceivedFromClient(flow FlowContext, req *http.Request) {
	for _, t := range a.trackers {
		t.RequestReceivedFromClient(flow, req)
	}
}

func (a *activityTrackers) responseSentToClient(flow FlowContext, resp *http.Response) {
	for _, t := range a.trackers {
		t.ResponseSentToClient(flow, resp)
	}
}

func (a *activityTrackers) clientSSLHandshakeSucceeded(flow FlowContext) {
	for _, t := range a.trackers {
		t.ClientSSLHandshakeSucceeded(flow)
	}
}

func (a *activityTrackers) requestSentToServer(flow FullFlowContext, req *http.Request) {
	for _, t := range a.trackers {
		t.RequestSentToServer(flow, req)
	}
}

func (a *activityTrackers) responseReceivedFromServer(flow FullFlowContext, resp *http.Response) {
	for _, t := range a.trackers {
		t.ResponseReceivedFromServer(flow, resp)
	}
}

func (a *activityTrackers) bytesReceivedFromClient(flow FlowContext, n int) {
	for _, t := range a.trackers {
		t.BytesReceivedFromClient(flow, n)
	}
}

func (a *activityTrackers) bytesSentToServer(flow FullFlowContext, n int) {
	for _, t := range a.trackers {
		t.BytesSentToServer(flow, n)
	}
}

func (a *activityTrackers) bytesReceivedFromServer(flow FullFlowContext, n int) {
	for _, t := range a.trackers {
		t.BytesReceivedFromServer(flow, n)
	}
}

func (a *activityTrackers) bytesSentToClient(flow FlowContext, n int) {
	for _, t := range a.trackers {
		t.BytesSentToClient(flow, n)
	}
}
