package server

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// commandReply is the NATS answer to a command request
type commandReply struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func (s *Server) startCommandConsumer() error {
	subject := fmt.Sprintf("obc.%s.command", s.config.StationID)
	sub, err := s.nats.Subscribe(subject, func(msg *nats.Msg) {
		reply := s.handleCommandMsg(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Printf("[Consumer] Failed to respond on %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	log.Printf("[Consumer] Listening for commands on %s", subject)
	return nil
}

// handleCommandMsg executes one JSON-encoded CommandRequest and returns the
// JSON reply
func (s *Server) handleCommandMsg(data []byte) []byte {
	var reply commandReply

	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = fmt.Sprintf("invalid request: %v", err)
	} else if req.Opcode == "" {
		reply.Error = "invalid request: opcode is required"
	} else if rec, err := s.Execute(s.ctx, req); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Data = rec
	}

	out, err := json.Marshal(reply)
	if err != nil {
		log.Printf("[Consumer] Failed to marshal reply: %v", err)
		return []byte(`{"error":"internal error"}`)
	}
	return out
}
