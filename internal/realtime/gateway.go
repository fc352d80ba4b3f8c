package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"noteflow/internal/auth"
	"noteflow/internal/domain"
)

// Publisher is the contract the note service holds on the gateway. Delivery
// is best-effort at-most-once: events published while a user has no live
// connections are dropped silently.
type Publisher interface {
	Publish(userID int64, kind domain.EventKind, payload any)
}

// Config carries gateway tuning knobs.
type Config struct {
	// SendBuffer is the per-connection outbound queue size. A connection
	// that cannot drain its queue is dropped rather than blocking fan-out.
	SendBuffer int
	// PingInterval is the server ping cadence used to detect dead peers.
	PingInterval time.Duration
	Logger       *logrus.Logger
}

const (
	defaultSendBuffer   = 32
	defaultPingInterval = 50 * time.Second
	writeWait           = 10 * time.Second
)

type publishRequest struct {
	userID  int64
	message []byte
}

type membersRequest struct {
	userID int64
	reply  chan int
}

// Gateway authenticates websocket connections, groups them per user, and
// fans published change events out to every live connection of the affected
// user. All group state is owned by a single run loop; register, unregister,
// and publish are serialized through its channels, so no locks guard the
// group map.
type Gateway struct {
	verifier auth.Verifier
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	sendBuffer   int
	pingInterval time.Duration

	register   chan *connection
	unregister chan *connection
	publishCh  chan publishRequest
	membersCh  chan membersRequest
	shutdown   chan struct{}
	stopped    chan struct{}
}

// NewGateway constructs a gateway and starts its run loop. The returned
// instance is ready for use; inject it where publishing is needed instead of
// holding it in package state.
func NewGateway(verifier auth.Verifier, cfg Config) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	g := &Gateway{
		verifier:     verifier,
		logger:       cfg.Logger,
		sendBuffer:   cfg.SendBuffer,
		pingInterval: cfg.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *connection),
		unregister: make(chan *connection),
		publishCh:  make(chan publishRequest),
		membersCh:  make(chan membersRequest),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go g.run()
	return g
}

// run owns the user-to-connections group map for the gateway's lifetime.
func (g *Gateway) run() {
	defer close(g.stopped)

	groups := make(map[int64]map[*connection]struct{})

	for {
		select {
		case conn := <-g.register:
			members, ok := groups[conn.userID]
			if !ok {
				members = make(map[*connection]struct{})
				groups[conn.userID] = members
			}
			members[conn] = struct{}{}
			g.logger.WithFields(logrus.Fields{
				"user_id":       conn.userID,
				"connection_id": conn.id,
			}).Info("realtime connection joined")

		case conn := <-g.unregister:
			members, ok := groups[conn.userID]
			if !ok {
				continue
			}
			if _, ok := members[conn]; !ok {
				continue
			}
			delete(members, conn)
			if len(members) == 0 {
				delete(groups, conn.userID)
			}
			close(conn.send)
			g.logger.WithFields(logrus.Fields{
				"user_id":       conn.userID,
				"connection_id": conn.id,
			}).Info("realtime connection left")

		case req := <-g.publishCh:
			for conn := range groups[req.userID] {
				select {
				case conn.send <- req.message:
				default:
					// Slow consumer: drop the connection, never the loop.
					delete(groups[req.userID], conn)
					if len(groups[req.userID]) == 0 {
						delete(groups, req.userID)
					}
					close(conn.send)
				}
			}

		case req := <-g.membersCh:
			req.reply <- len(groups[req.userID])

		case <-g.shutdown:
			for userID, members := range groups {
				for conn := range members {
					close(conn.send)
				}
				delete(groups, userID)
			}
			return
		}
	}
}

// Publish hands a change event to the run loop for fan-out to every live
// connection of the given user. Zero members is a silent no-op. Fire and
// forget: there is no delivery acknowledgement and no retry.
func (g *Gateway) Publish(userID int64, kind domain.EventKind, payload any) {
	message, err := json.Marshal(domain.ChangeEvent{Kind: kind, Payload: payload})
	if err != nil {
		g.logger.WithError(err).WithField("event", kind).Warn("marshal change event")
		return
	}

	select {
	case g.publishCh <- publishRequest{userID: userID, message: message}:
	case <-g.shutdown:
	}
}

// Members reports the number of live connections for a user, answered by the
// run loop so the count is consistent with in-flight joins and leaves.
func (g *Gateway) Members(userID int64) int {
	req := membersRequest{userID: userID, reply: make(chan int, 1)}
	select {
	case g.membersCh <- req:
		return <-req.reply
	case <-g.shutdown:
		return 0
	}
}

// HandleUpgrade performs the websocket handshake. The credential is read from
// the `token` query parameter at connect time and verified before the upgrade;
// a rejected credential terminates the request with 401 and no connection is
// ever created.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.WithField("remote", r.RemoteAddr).Warn("realtime handshake rejected")
		http.Error(w, "authentication error", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		g.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := newConnection(g, ws, userID)

	select {
	case g.register <- conn:
	case <-g.shutdown:
		ws.Close()
		return
	}

	go conn.writePump()
	go conn.readPump()
}

// Shutdown closes every live connection and stops the run loop. Events
// published afterward are dropped.
func (g *Gateway) Shutdown() {
	close(g.shutdown)
	<-g.stopped
}
