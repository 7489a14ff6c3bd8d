package comm

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-volley/internal/logger"
)

// The Flight group runs one Flight server per rank. A collective
// publishes the local payload under a (sequence, op) ticket on the own
// server and pulls every peer's payload with DoGet. Ranks therefore
// never push to each other; the pull side blocks until the peer
// reaches the same sequence number, which is what makes the collective
// a barrier.

// FlightConfig describes one rank of a multi-process group.
type FlightConfig struct {
	Rank  int
	Peers []string // listen address per rank, index == rank
}

type publication struct {
	op        string
	payload   []byte
	ready     chan struct{}
	remaining int
}

// exchangeServer serves this rank's published collective payloads.
type exchangeServer struct {
	flight.BaseFlightServer

	mu        sync.Mutex
	worldSize int
	pubs      map[uint64]*publication
}

func newExchangeServer(worldSize int) *exchangeServer {
	return &exchangeServer{
		worldSize: worldSize,
		pubs:      make(map[uint64]*publication),
	}
}

func (s *exchangeServer) publish(seq uint64, op string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(seq)
	p.op = op
	p.payload = payload
	close(p.ready)
}

// getLocked returns the publication slot for seq, creating a pending
// one if a peer's DoGet raced ahead of the local publish.
func (s *exchangeServer) getLocked(seq uint64) *publication {
	p, ok := s.pubs[seq]
	if !ok {
		p = &publication{ready: make(chan struct{}), remaining: s.worldSize - 1}
		s.pubs[seq] = p
	}
	return p
}

func (s *exchangeServer) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	seq, op, err := parseTicket(tkt.GetTicket())
	if err != nil {
		return err
	}

	s.mu.Lock()
	p := s.getLocked(seq)
	s.mu.Unlock()

	select {
	case <-p.ready:
	case <-fs.Context().Done():
		return fs.Context().Err()
	}

	if p.op != op {
		return fmt.Errorf("collective order mismatch at seq %d: local %q, remote %q", seq, p.op, op)
	}

	r, err := ipc.NewReader(bytes.NewReader(p.payload))
	if err != nil {
		return fmt.Errorf("published payload at seq %d: %w", seq, err)
	}
	defer r.Release()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(r.Schema()))
	for r.Next() {
		if err := w.Write(r.Record()); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	p.remaining--
	if p.remaining <= 0 {
		delete(s.pubs, seq)
	}
	s.mu.Unlock()
	return nil
}

func makeTicket(seq uint64, op string) []byte {
	return []byte(strconv.FormatUint(seq, 10) + ":" + op)
}

func parseTicket(b []byte) (uint64, string, error) {
	s := string(b)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, "", fmt.Errorf("malformed ticket %q", s)
	}
	seq, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed ticket %q: %w", s, err)
	}
	return seq, s[i+1:], nil
}

// FlightPeer is a started-but-unconnected rank: its server is
// listening, so its address can be shared with the other ranks before
// the group is wired up.
type FlightPeer struct {
	rank      int
	worldSize int
	ex        *exchangeServer
	srv       flight.Server
}

// ListenFlight starts this rank's Flight server on addr (":0" picks a
// free port).
func ListenFlight(rank, worldSize int, addr string) (*FlightPeer, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("flight group: invalid rank %d for world size %d", rank, worldSize)
	}
	ex := newExchangeServer(worldSize)
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(ex)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight group: listen %s: %w", addr, err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			logger.ForRank(rank, worldSize).Error("flight server stopped", "error", err)
		}
	}()
	return &FlightPeer{rank: rank, worldSize: worldSize, ex: ex, srv: srv}, nil
}

// Addr returns the server's bound address.
func (p *FlightPeer) Addr() string {
	return p.srv.Addr().String()
}

// Connect dials every peer and returns the rank's ProcessGroup. peers
// is indexed by rank; the entry for this rank is ignored.
func (p *FlightPeer) Connect(ctx context.Context, peers []string) (ProcessGroup, error) {
	if len(peers) != p.worldSize {
		return nil, fmt.Errorf("flight group: %d peer addresses for world size %d", len(peers), p.worldSize)
	}
	ft := &flightTransport{
		r:       p.rank,
		ws:      p.worldSize,
		ex:      p.ex,
		srv:     p.srv,
		clients: make([]flight.Client, p.worldSize),
	}
	for r, addr := range peers {
		if r == p.rank {
			continue
		}
		c, err := flight.NewClientWithMiddleware(addr, nil, nil,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
		)
		if err != nil {
			ft.close()
			return nil, fmt.Errorf("flight group: dial rank %d at %s: %w", r, addr, err)
		}
		ft.clients[r] = c
	}
	logger.ForRank(p.rank, p.worldSize).Info("flight group connected", "addr", p.Addr())
	return &group{tr: ft}, nil
}

// NewFlightGroup is the one-shot form for deployments with fixed peer
// addresses: listen on cfg.Peers[cfg.Rank] and connect to the rest.
func NewFlightGroup(ctx context.Context, cfg FlightConfig) (ProcessGroup, error) {
	peer, err := ListenFlight(cfg.Rank, len(cfg.Peers), cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, err
	}
	g, err := peer.Connect(ctx, cfg.Peers)
	if err != nil {
		peer.srv.Shutdown()
		return nil, err
	}
	return g, nil
}

type flightTransport struct {
	r       int
	ws      int
	seq     uint64
	ex      *exchangeServer
	srv     flight.Server
	clients []flight.Client
}

func (t *flightTransport) rank() int      { return t.r }
func (t *flightTransport) worldSize() int { return t.ws }

func (t *flightTransport) close() error {
	var first error
	for _, c := range t.clients {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.srv.Shutdown()
	return first
}

func (t *flightTransport) allGather(ctx context.Context, op string, payload []byte) ([][]byte, error) {
	seq := t.seq
	t.seq++

	t.ex.publish(seq, op, payload)

	parts := make([][]byte, t.ws)
	parts[t.r] = payload
	for r := 0; r < t.ws; r++ {
		if r == t.r {
			continue
		}
		b, err := t.pull(ctx, r, seq, op)
		if err != nil {
			return nil, &TransportError{Op: op, Rank: t.r, Seq: seq, Err: fmt.Errorf("pull from rank %d: %w", r, err)}
		}
		parts[r] = b
	}
	return parts, nil
}

func (t *flightTransport) pull(ctx context.Context, peer int, seq uint64, op string) ([]byte, error) {
	stream, err := t.clients[peer].DoGet(ctx, &flight.Ticket{Ticket: makeTicket(seq, op)})
	if err != nil {
		return nil, err
	}
	rr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer rr.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rr.Schema()))
	for rr.Next() {
		if err := w.Write(rr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rr.Err(); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
