package sources

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	geojson "github.com/paulmach/go.geojson"
	"github.com/rs/zerolog"

	"radiomap/pkg/diag"
	"radiomap/pkg/normalize"
	"radiomap/pkg/query"
)

const maxLiveBackoff = 60 * time.Second

// Feed consumes the streaming event socket and hands each decoded point
// to the callback. It reconnects with backoff until Stop is called.
type Feed struct {
	URL string
	// Filter rides in the subscribe frame so the server only streams
	// matching events. Zero value subscribes to everything.
	Filter  query.Filter
	OnEvent func(*geojson.Feature)
	Log     zerolog.Logger
	Metrics *diag.Metrics

	mu       sync.Mutex
	conn     *websocket.Conn
	stopped  bool
	connects int
}

func (fd *Feed) Start() {
	go fd.run()
}

func (fd *Feed) run() {
	backoff := time.Second
	for {
		if fd.isStopped() {
			return
		}
		c, _, err := websocket.DefaultDialer.Dial(fd.URL, nil)
		if err != nil {
			fd.Log.Warn().Err(err).Dur("backoff", backoff).Msg("live feed dial failed")
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		fd.mu.Lock()
		if fd.stopped {
			fd.mu.Unlock()
			c.Close()
			return
		}
		fd.conn = c
		if fd.connects > 0 {
			fd.Metrics.IncFeedReconnect()
		}
		fd.connects++
		fd.mu.Unlock()

		if err := c.WriteMessage(websocket.TextMessage, fd.subscribeFrame()); err != nil {
			fd.Log.Warn().Err(err).Msg("live feed subscribe failed")
			c.Close()
			continue
		}
		fd.Log.Info().Str("url", fd.URL).Msg("live feed connected")

		fd.readLoop(c)

		c.Close()
		fd.mu.Lock()
		fd.conn = nil
		fd.mu.Unlock()
		if fd.isStopped() {
			return
		}
		time.Sleep(time.Second)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxLiveBackoff {
		return maxLiveBackoff
	}
	return d
}

// subscribeFrame carries the filter as the same query string the REST
// endpoints take, so both sides share one filter grammar.
func (fd *Feed) subscribeFrame() []byte {
	sub := struct {
		Type     string   `json:"type"`
		Channels []string `json:"channels"`
		Filter   string   `json:"filter,omitempty"`
	}{Type: "subscribe", Channels: []string{"events"}}
	if !fd.Filter.IsEmpty() {
		sub.Filter = fd.Filter.QueryValues().Encode()
	}
	b, _ := json.Marshal(sub)
	return b
}

func (fd *Feed) readLoop(c *websocket.Conn) {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if !fd.isStopped() {
				fd.Log.Warn().Err(err).Msg("live feed read failed, reconnecting")
			}
			return
		}
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "error":
			fd.Log.Error().Str("payload", string(message)).Msg("live feed error frame")
		case "event":
			var row map[string]interface{}
			if json.Unmarshal(msg.Data, &row) != nil {
				continue
			}
			if f, ok := normalize.RowFeature(row); ok && fd.OnEvent != nil {
				fd.OnEvent(f)
			}
		}
	}
}

func (fd *Feed) isStopped() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.stopped
}

// Stop stops reconnecting and closes any open socket.
func (fd *Feed) Stop() {
	fd.mu.Lock()
	fd.stopped = true
	c := fd.conn
	fd.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
