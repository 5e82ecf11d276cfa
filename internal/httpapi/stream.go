package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	logx "speedlog/pkg/logx"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 2 * streamPingInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamMessage is one frame on /api/stream.
type StreamMessage struct {
	Type   string         `json:"type"`
	Time   time.Time      `json:"time"`
	Record map[string]any `json:"record,omitempty"`
	Error  any            `json:"error,omitempty"`
}

// stream pushes every new record (and probe failures) to the client until
// either side goes away. Clients never send data; reads only track pongs
// and close frames.
func (a *API) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	events, unsub := a.bus.Subscribe(32)
	defer unsub()

	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			msg, send := streamMessage(e)
			if !send {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.log.Debug("stream write failed", logx.Err(err))
				}
				return
			}
		}
	}
}

func streamMessage(e eventbus.Event) (StreamMessage, bool) {
	switch e.Type {
	case eventbus.MeasurementRecorded:
		rec, ok := e.Data.(measure.Record)
		if !ok {
			return StreamMessage{}, false
		}
		return StreamMessage{Type: e.Type, Time: e.Time, Record: rec.Map()}, true
	case eventbus.ProbeFailed, eventbus.RecorderCrashed, eventbus.RecorderRestarted:
		return StreamMessage{Type: e.Type, Time: e.Time, Error: e.Data}, true
	default:
		return StreamMessage{}, false
	}
}
