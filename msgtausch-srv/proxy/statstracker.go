package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/clescot/littleproxy-go/msgtausch-srv/logger"
	"github.com/clescot/littleproxy-go/msgtausch-srv/stats"
)

// statsActivityTracker is the sole bridge between the connection-level
// ActivityTracker observer contract and the stats.Collector storage backend:
// every persisted metric flows through an ActivityTracker hook rather than
// being recorded by a second, independent call site in the request path.
//
// StartConnection is the one exception. Minting the connection ID has to
// happen synchronously before a FlowContext can even be built, so
// Server.handleRequest calls Collector.StartConnection directly; this
// tracker only ever consumes the ID that call already produced.
type statsActivityTracker struct {
	ActivityTrackerAdapter
	collector stats.Collector

	mu    sync.Mutex
	conns map[int64]*connTotals
}

type connTotals struct {
	startedAt     time.Time
	bytesSent     int64
	bytesReceived int64
}

// newStatsActivityTracker wraps collector so its Record*/EndConnection calls
// are driven entirely by ActivityTracker notifications.
func newStatsActivityTracker(collector stats.Collector) *statsActivityTracker {
	return &statsActivityTracker{
		collector: collector,
		conns:     make(map[int64]*connTotals),
	}
}

func (s *statsActivityTracker) ClientConnected(flow FlowContext) {
	s.mu.Lock()
	s.conns[flow.ConnectionID] = &connTotals{startedAt: time.Now()}
	s.mu.Unlock()
}

func (s *statsActivityTracker) ClientDisconnected(flow FlowContext) {
	s.mu.Lock()
	totals, ok := s.conns[flow.ConnectionID]
	delete(s.conns, flow.ConnectionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	duration := time.Since(totals.startedAt)
	if err := s.collector.EndConnection(context.Background(), flow.ConnectionID, totals.bytesSent, totals.bytesReceived, duration, "closed"); err != nil {
		logger.Error("stats: failed to record connection end: %v", err)
	}
}

func (s *statsActivityTracker) BytesSentToServer(flow FullFlowContext, n int) {
	s.addBytes(flow.ConnectionID, n, 0)
}

func (s *statsActivityTracker) BytesReceivedFromServer(flow FullFlowContext, n int) {
	s.addBytes(flow.ConnectionID, 0, n)
}

func (s *statsActivityTracker) addBytes(connectionID int64, sent, received int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals, ok := s.conns[connectionID]
	if !ok {
		return
	}
	totals.bytesSent += int64(sent)
	totals.bytesReceived += int64(received)
}

func (s *statsActivityTracker) RequestSentToServer(flow FullFlowContext, req *http.Request) {
	contentLength := req.ContentLength
	if contentLength < 0 {
		contentLength = 0
	}
	err := s.collector.RecordHTTPRequestWithHeaders(context.Background(), flow.ConnectionID, req.Method,
		req.URL.RequestURI(), flow.ServerHostAndPort, req.UserAgent(), contentLength, estimateHTTPRequestHeaderSize(req))
	if err != nil {
		logger.Error("stats: failed to record HTTP request: %v", err)
	}
}

func (s *statsActivityTracker) ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response) {
	err := s.collector.RecordHTTPResponseWithHeaders(context.Background(), flow.ConnectionID, resp.StatusCode,
		resp.ContentLength, estimateHTTPResponseHeaderSize(resp))
	if err != nil {
		logger.Error("stats: failed to record HTTP response: %v", err)
	}
}
