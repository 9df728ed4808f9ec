package proxy

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/plumehq/plume/internal/fault"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server terminates proxy connections and invokes the real service. One
// connection multiplexes many calls; responses are matched by request id,
// so a slow call never blocks the connection.
type Server struct {
	svc Service
}

func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("proxy upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Gorilla allows one concurrent writer per connection
	var writeMu sync.Mutex
	write := func(resp *response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			slog.Warn("proxy write failed", "error", err)
		}
	}

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("proxy connection dropped", "error", err)
			}
			return
		}
		go write(s.handle(&req))
	}
}

func (s *Server) handle(req *request) *response {
	resp := &response{ID: req.ID}

	switch req.Op {
	case opSubmit:
		runID, err := s.svc.Submit(req.Config, req.Input)
		resp.RunID = runID
		resp.Error = fault.ToRemote(err)
	case opStatus:
		status, err := s.svc.Status(req.RunID)
		resp.Status = status
		resp.Error = fault.ToRemote(err)
	case opCancel:
		resp.Error = fault.ToRemote(s.svc.Cancel(req.RunID))
	case opResult:
		result, err := s.svc.Result(req.RunID)
		resp.Result = result
		resp.Error = fault.ToRemote(err)
	default:
		resp.Error = &fault.Remote{Kind: fault.KindValidation, Message: "unknown op " + req.Op}
	}
	return resp
}
