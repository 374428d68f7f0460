package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// inboundFrame is the only accepted client frame.
type inboundFrame struct {
	To      string  `json:"to" validate:"required,max=256"`
	Message *string `json:"message" validate:"required"`
}

func parseFrame(data []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if err := validate.Struct(frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// session is the registry handle for one authenticated connection.
type session struct {
	id           string
	identity     string
	conn         *websocket.Conn
	ctx          context.Context // cancelled when the session closes
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (s *session) ID() string { return s.id }

func (s *session) Done() <-chan struct{} { return s.ctx.Done() }

// Send writes one text frame. It gives up when the session closes, when the
// caller's context ends, or after the write timeout.
func (s *session) Send(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return s.conn.Write(wctx, websocket.MessageText, payload)
}
