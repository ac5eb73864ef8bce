package api

import (
	"fmt"
	"net/http"

	"github.com/banshee-data/basestation/internal/httputil"
	"github.com/banshee-data/basestation/internal/protocol"
	"github.com/banshee-data/basestation/internal/robot"
	"github.com/banshee-data/basestation/internal/session"
)

type rosterResponse struct {
	Robots    []robot.State `json:"robots"`
	Opponents []robot.State `json:"opponents"`
}

func states(robots []*robot.Robot) []robot.State {
	out := make([]robot.State, len(robots))
	for i, r := range robots {
		out[i] = r.State()
	}
	return out
}

func (s *Server) listRobots(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, rosterResponse{
		Robots:    states(s.coord.Robots()),
		Opponents: states(s.coord.Opponents()),
	})
}

func (s *Server) showRobot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rb, ok := s.coord.Robot(id)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("%v: %q", session.ErrUnknownRobot, id))
		return
	}
	httputil.WriteJSONOK(w, rb.State())
}

func (s *Server) connectRobots(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.coord.ConnectAll())
}

func (s *Server) disconnectRobots(w http.ResponseWriter, r *http.Request) {
	s.coord.DisconnectAll()
	httputil.WriteJSONOK(w, states(s.coord.Robots()))
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (protocol.Command, bool) {
	body, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	cmd, err := protocol.DecodeCommand(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	return cmd, true
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.coord.Robot(id); !ok {
		httputil.NotFound(w, fmt.Sprintf("%v: %q", session.ErrUnknownRobot, id))
		return
	}
	cmd, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	if err := s.coord.SendCommand(id, cmd); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}

func (s *Server) broadcastCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"sent": s.coord.Broadcast(cmd)})
}

// updateParameters merges the body into the robot's parameters, saves them
// when a store is configured, and sends the full set when push=true.
func (s *Server) updateParameters(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rb, ok := s.coord.Robot(id)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("%v: %q", session.ErrUnknownRobot, id))
		return
	}

	var update protocol.Parameters
	if err := httputil.DecodeJSON(w, r, &update); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(update) == 0 {
		httputil.BadRequest(w, "no parameters given")
		return
	}
	if err := s.coord.SetParameters(id, update); err != nil {
		writeError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.SaveParameters(id, update); err != nil {
			s.logf("failed to save parameters for robot %s: %v", id, err)
		}
	}

	if r.URL.Query().Get("push") == "true" {
		if err := s.coord.PushParameters(id); err != nil {
			writeError(w, err)
			return
		}
	}
	httputil.WriteJSONOK(w, rb.Parameters())
}
