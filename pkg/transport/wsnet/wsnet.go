// Package wsnet carries sync messages over WebSocket connections, one
// connection per peer pair.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shinyes/geo_crdt/pkg/logging"
	geosync "github.com/shinyes/geo_crdt/pkg/sync"
	"golang.org/x/sync/errgroup"
)

// Path is the HTTP path the listener upgrades.
const Path = "/sync"

var (
	ErrHandshake = errors.New("wsnet: handshake failed")
	ErrSelfDial  = errors.New("wsnet: dialed own node")
)

type Config struct {
	Codec            geosync.Codec
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReadLimit        int64
	MinRedial        time.Duration
	MaxRedial        time.Duration
	Logger           logging.Logger
	OnDecodeError    func(err error)
}

type Option func(*Config)

func WithCodec(c geosync.Codec) Option {
	return func(cfg *Config) { cfg.Codec = c }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.WriteTimeout = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.HandshakeTimeout = d }
}

func WithReadLimit(n int64) Option {
	return func(cfg *Config) { cfg.ReadLimit = n }
}

// WithRedial sets the backoff bounds used by Connect.
func WithRedial(min, max time.Duration) Option {
	return func(cfg *Config) { cfg.MinRedial, cfg.MaxRedial = min, max }
}

func WithLogger(l logging.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

// WithDecodeErrorHook runs fn for every inbound frame that fails to decode.
func WithDecodeErrorHook(fn func(err error)) Option {
	return func(cfg *Config) { cfg.OnDecodeError = fn }
}

func DefaultConfig() Config {
	return Config{
		Codec:            geosync.MsgpackCodec{},
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadLimit:        4 << 20,
		MinRedial:        500 * time.Millisecond,
		MaxRedial:        30 * time.Second,
		Logger:           logging.Nop(),
	}
}

type handshake struct {
	ID    uuid.UUID `json:"id"`
	Codec string    `json:"codec"`
}

type peerConn struct {
	peer   uuid.UUID
	dialer uuid.UUID
	ws     *websocket.Conn
	wmu    sync.Mutex
	done   chan struct{}
	once   sync.Once
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

func (p *peerConn) write(deadline time.Time, frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Network implements geosync.NetworkInterface over WebSocket.
type Network struct {
	id       uuid.UUID
	cfg      Config
	logger   logging.Logger
	conns    *xsync.MapOf[uuid.UUID, *peerConn]
	handler  atomic.Pointer[geosync.MessageHandler]
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	server *http.Server
	serveG *errgroup.Group
}

var _ geosync.NetworkInterface = (*Network)(nil)

// New creates a network endpoint for node id.
func New(id uuid.UUID, opts ...Option) *Network {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Codec == nil {
		cfg.Codec = geosync.MsgpackCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.MinRedial <= 0 {
		cfg.MinRedial = 500 * time.Millisecond
	}
	if cfg.MaxRedial < cfg.MinRedial {
		cfg.MaxRedial = cfg.MinRedial
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("transport", "ws", "node", id.String()[:8]),
		conns:  xsync.NewMapOf[uuid.UUID, *peerConn](),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP handler that accepts peer connections.
func (n *Network) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := n.upgrader.Upgrade(w, r, nil)
		if err != nil {
			n.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		pc, err := n.accept(ws, uuid.Nil)
		if err != nil {
			n.logger.Warn("inbound handshake failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		n.logger.Info("peer connected", "peer", pc.peer, "remote", r.RemoteAddr)
	})
}

// Listen serves Handler on addr at Path and returns the bound address.
func (n *Network) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsnet: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, n.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: n.cfg.HandshakeTimeout}

	g, ctx := errgroup.WithContext(n.ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), n.cfg.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	n.mu.Lock()
	n.server, n.serveG = srv, g
	n.mu.Unlock()

	n.logger.Info("listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Dial connects once to the WebSocket URL and returns the remote node id.
func (n *Network) Dial(ctx context.Context, url string) (uuid.UUID, error) {
	ws, _, err := n.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("wsnet: dial %s: %w", url, err)
	}
	pc, err := n.accept(ws, n.id)
	if err != nil {
		return uuid.Nil, err
	}
	n.logger.Info("peer connected", "peer", pc.peer, "url", url)
	return pc.peer, nil
}

// Connect keeps a connection to url alive in the background, redialing with
// exponential backoff until ctx is done or the network is closed.
func (n *Network) Connect(ctx context.Context, url string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		backoff := n.cfg.MinRedial
		for {
			peer, err := n.Dial(ctx, url)
			if err == nil {
				backoff = n.cfg.MinRedial
				if pc, ok := n.conns.Load(peer); ok {
					select {
					case <-pc.done:
					case <-ctx.Done():
						return
					case <-n.ctx.Done():
						return
					}
				}
			} else if !errors.Is(err, ErrSelfDial) {
				n.logger.Debug("dial failed", "url", url, "retry_in", backoff, "err", err)
			} else {
				n.logger.Warn("refusing to connect to self", "url", url)
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-n.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err != nil {
				backoff *= 2
				if backoff > n.cfg.MaxRedial {
					backoff = n.cfg.MaxRedial
				}
			}
		}
	}()
}

// accept runs the id handshake on ws and registers the connection. dialer
// is this node's id for outbound connections and uuid.Nil for inbound ones.
func (n *Network) accept(ws *websocket.Conn, dialer uuid.UUID) (*peerConn, error) {
	deadline := time.Now().Add(n.cfg.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)

	if err := ws.WriteJSON(handshake{ID: n.id, Codec: n.cfg.Codec.Name()}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var hs handshake
	if err := ws.ReadJSON(&hs); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	switch {
	case hs.ID == uuid.Nil:
		_ = ws.Close()
		return nil, fmt.Errorf("%w: nil node id", ErrHandshake)
	case hs.ID == n.id:
		_ = ws.Close()
		return nil, ErrSelfDial
	case hs.Codec != n.cfg.Codec.Name():
		_ = ws.Close()
		return nil, fmt.Errorf("%w: codec %q, want %q", ErrHandshake, hs.Codec, n.cfg.Codec.Name())
	}
	_ = ws.SetReadDeadline(time.Time{})
	if n.cfg.ReadLimit > 0 {
		ws.SetReadLimit(n.cfg.ReadLimit)
	}

	if dialer == uuid.Nil {
		dialer = hs.ID
	}
	pc := &peerConn{peer: hs.ID, dialer: dialer, ws: ws, done: make(chan struct{})}

	var winner, loser *peerConn
	n.conns.Compute(hs.ID, func(cur *peerConn, loaded bool) (*peerConn, bool) {
		winner, loser = pc, nil
		if loaded {
			// Both ends keep the connection dialed by the smaller node id.
			if lessID(cur.dialer, pc.dialer) {
				winner, loser = cur, pc
			} else {
				loser = cur
			}
		}
		return winner, false
	})
	if loser != nil {
		loser.close()
	}
	if winner != pc {
		return winner, nil
	}

	n.wg.Add(1)
	go n.readLoop(pc)
	return pc, nil
}

func (n *Network) readLoop(pc *peerConn) {
	defer n.wg.Done()
	defer func() {
		pc.close()
		n.conns.Compute(pc.peer, func(cur *peerConn, loaded bool) (*peerConn, bool) {
			return cur, !loaded || cur == pc
		})
		n.logger.Info("peer disconnected", "peer", pc.peer)
	}()

	for {
		typ, frame, err := pc.ws.ReadMessage()
		if err != nil {
			select {
			case <-pc.done:
			default:
				n.logger.Debug("read failed", "peer", pc.peer, "err", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		msg, err := n.cfg.Codec.Unmarshal(frame)
		if err != nil {
			n.logger.Warn("drop undecodable frame", "peer", pc.peer, "err", err)
			if n.cfg.OnDecodeError != nil {
				n.cfg.OnDecodeError(err)
			}
			continue
		}
		if h := n.handler.Load(); h != nil && *h != nil {
			(*h)(msg)
		}
	}
}

func (n *Network) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(n.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (n *Network) Send(ctx context.Context, peer uuid.UUID, msg *geosync.SyncMessage) error {
	if n.ctx.Err() != nil {
		return geosync.ErrNetworkClosed
	}
	pc, ok := n.conns.Load(peer)
	if !ok {
		return geosync.ErrUnknownPeer
	}
	frame, err := n.cfg.Codec.Marshal(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pc.write(n.deadline(ctx), frame); err != nil {
		pc.close()
		return fmt.Errorf("wsnet: send to %s: %w", peer, err)
	}
	return nil
}

func (n *Network) Broadcast(ctx context.Context, msg *geosync.SyncMessage) error {
	if n.ctx.Err() != nil {
		return geosync.ErrNetworkClosed
	}
	frame, err := n.cfg.Codec.Marshal(msg)
	if err != nil {
		return err
	}
	deadline := n.deadline(ctx)
	var errs []error
	n.conns.Range(func(peer uuid.UUID, pc *peerConn) bool {
		if err := pc.write(deadline, frame); err != nil {
			pc.close()
			errs = append(errs, fmt.Errorf("wsnet: send to %s: %w", peer, err))
		}
		return ctx.Err() == nil
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (n *Network) SetHandler(h geosync.MessageHandler) {
	n.handler.Store(&h)
}

func (n *Network) Peers() []uuid.UUID {
	var out []uuid.UUID
	n.conns.Range(func(peer uuid.UUID, _ *peerConn) bool {
		out = append(out, peer)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	return out
}

// Close drops every connection, stops the listener and waits for the
// background goroutines.
func (n *Network) Close() error {
	n.cancel()
	n.conns.Range(func(_ uuid.UUID, pc *peerConn) bool {
		pc.close()
		return true
	})

	n.mu.Lock()
	g := n.serveG
	n.mu.Unlock()

	var err error
	if g != nil {
		err = g.Wait()
	}
	n.wg.Wait()
	return err
}

func lessID(a, b uuid.UUID) bool {
	return string(a[:]) < string(b[:])
}
