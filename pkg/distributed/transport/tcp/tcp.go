// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tcp implements a collective.CollectiveTransport over TCP connections between worker processes.
//
// Every pair of workers is connected by one TCP connection: each worker listens on its own address,
// dials the workers of lower rank and accepts the connections of workers of higher rank. Both ends
// exchange a handshake with the session, rank and world size, and connections of other sessions are
// rejected.
//
// On the wire each connection is a gob stream of frames: a header with the sequence number of the
// collective and the sender's rank, followed by the tensor (see tensors.Tensor.GobSerialize). Frames
// are read continuously into a per-peer queue, and each AllToAll consumes the next frame of each peer.
// Since collectives must be issued in the same order by all workers, a frame of an unexpected sequence
// number is reported as ErrOutOfOrder.
//
// Importing the package registers it as the "tcp" transport, see ParseConfig for its configuration.
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/gomlx/collectives/pkg/distributed/collective"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// TransportName is the name under which the TCP transport is registered.
const TransportName = "tcp"

func init() {
	collective.RegisterTransport(TransportName, func(config string, membership collective.Membership) (collective.CollectiveTransport, error) {
		cfg, err := ParseConfig(config, membership)
		if err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

var (
	// ErrTimeout is returned (wrapped) when a piece is not received within Config.Timeout.
	// Sends that exceed the timeout fail with the underlying network timeout error.
	ErrTimeout = errors.New("tcp transport timeout")

	// ErrOutOfOrder is returned (wrapped) when a peer sends a piece of a different collective than the one
	// being executed: workers issued collectives in different orders.
	ErrOutOfOrder = errors.New("collective issued out of order")

	// ErrClosed is returned (wrapped) by AllToAll after the transport is closed.
	ErrClosed = errors.New("tcp transport closed")
)

// retryDialPeriod is the time between attempts to connect to a worker that is not listening yet.
const retryDialPeriod = 50 * time.Millisecond

// Transport connects one worker to all the other workers of its group over TCP.
// It implements collective.CollectiveTransport.
type Transport struct {
	cfg             Config
	worldSize, rank int

	// peers indexed by rank, nil for this worker.
	peers []*peer

	// muOp serializes collectives, and protects seq.
	muOp sync.Mutex
	seq  uint64

	readers   sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

var _ collective.CollectiveTransport = (*Transport)(nil)

// New connects the worker described by cfg to all other workers, and returns once the full mesh is connected.
//
// All workers must call New concurrently (within cfg.DialTimeout of each other).
// The transport must be closed with Close when no longer needed.
func New(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	t := &Transport{
		cfg:       cfg,
		worldSize: len(cfg.Addresses),
		rank:      cfg.Rank,
		peers:     make([]*peer, len(cfg.Addresses)),
		closed:    make(chan struct{}),
	}
	if t.worldSize == 1 {
		if cfg.Listener != nil {
			_ = cfg.Listener.Close()
		}
		return t, nil
	}
	if err := t.connectMesh(); err != nil {
		t.closeConnections()
		return nil, err
	}
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		t.readers.Add(1)
		go func() {
			defer t.readers.Done()
			p.readLoop()
		}()
	}
	klog.Infof("tcp transport: worker %d connected to %d workers (session %q)", t.rank, t.worldSize-1, cfg.Session)
	return t, nil
}

// connectMesh dials the workers of lower rank and accepts connections from the workers of higher rank.
func (t *Transport) connectMesh() error {
	listener := t.cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.cfg.Addresses[t.rank])
		if err != nil {
			return errors.Wrapf(err, "worker %d failed to listen on %q", t.rank, t.cfg.Addresses[t.rank])
		}
	}
	deadline := time.Now().Add(t.cfg.DialTimeout)
	if dl, ok := listener.(interface{ SetDeadline(time.Time) error }); ok {
		_ = dl.SetDeadline(deadline)
	}

	g, ctx := errgroup.WithContext(context.Background())
	go func() {
		// Unblocks Accept on failure, and releases the listener once the mesh is connected.
		<-ctx.Done()
		_ = listener.Close()
	}()
	if t.rank < t.worldSize-1 {
		g.Go(func() error { return t.acceptPeers(listener) })
	}
	for rank := range t.rank {
		g.Go(func() error { return t.dialPeer(ctx, rank, deadline) })
	}
	return g.Wait()
}

// acceptPeers accepts connections until all workers of higher rank are connected.
// Connections with an invalid handshake are rejected and accepting continues.
func (t *Transport) acceptPeers(listener net.Listener) error {
	missing := t.worldSize - 1 - t.rank
	for missing > 0 {
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrapf(err, "worker %d failed accepting connections (%d workers missing)", t.rank, missing)
		}
		p := newPeer(conn)
		_ = conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
		got, err := p.receiveHello()
		if err == nil {
			err = checkHello(got, t.cfg.Session, t.worldSize)
		}
		if err == nil && (got.Rank <= t.rank || t.peers[got.Rank] != nil) {
			err = errors.Errorf("unexpected connection from worker %d", got.Rank)
		}
		if err == nil {
			err = p.sendHello(t.hello())
		}
		if err != nil {
			klog.Warningf("tcp transport: worker %d rejected connection from %s: %v", t.rank, conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}
		_ = conn.SetDeadline(time.Time{})
		p.rank = got.Rank
		t.peers[got.Rank] = p
		missing--
		klog.V(1).Infof("tcp transport: worker %d accepted worker %d from %s", t.rank, got.Rank, conn.RemoteAddr())
	}
	return nil
}

// dialPeer connects to the worker of the given (lower) rank, retrying until it is listening or the deadline.
func (t *Transport) dialPeer(ctx context.Context, rank int, deadline time.Time) error {
	addr := t.cfg.Addresses[rank]
	dialer := net.Dialer{Deadline: deadline}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return t.handshakeDialed(conn, rank, deadline)
		}
		if ctx.Err() != nil || time.Now().Add(retryDialPeriod).After(deadline) {
			return errors.Wrapf(err, "worker %d failed to connect to worker %d at %q", t.rank, rank, addr)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "worker %d gave up connecting to worker %d", t.rank, rank)
		case <-time.After(retryDialPeriod):
		}
	}
}

// handshakeDialed exchanges the handshake on a connection dialed to the worker of the given rank.
func (t *Transport) handshakeDialed(conn net.Conn, rank int, deadline time.Time) error {
	p := newPeer(conn)
	_ = conn.SetDeadline(deadline)
	err := p.sendHello(t.hello())
	var got hello
	if err == nil {
		got, err = p.receiveHello()
	}
	if err == nil {
		err = checkHello(got, t.cfg.Session, t.worldSize)
	}
	if err == nil && got.Rank != rank {
		err = errors.Errorf("address %q belongs to worker %d", t.cfg.Addresses[rank], got.Rank)
	}
	if err != nil {
		_ = conn.Close()
		return errors.WithMessagef(err, "worker %d failed handshake with worker %d", t.rank, rank)
	}
	_ = conn.SetDeadline(time.Time{})
	p.rank = rank
	t.peers[rank] = p
	klog.V(1).Infof("tcp transport: worker %d connected to worker %d at %s", t.rank, rank, conn.RemoteAddr())
	return nil
}

func (t *Transport) hello() hello {
	return hello{Session: t.cfg.Session, Rank: t.rank, WorldSize: t.worldSize}
}

// Membership of the worker owning the transport.
func (t *Transport) Membership() collective.Membership {
	return collective.Membership{WorldSize: t.worldSize, Rank: t.rank}
}

// AllToAll implements collective.CollectiveTransport.
//
// Pieces are sent to all peers concurrently, while the pieces from each peer are consumed in rank order.
// Collectives on the same Transport are serialized.
func (t *Transport) AllToAll(input *tensors.Tensor, scatterDim, gatherDim int, scatterSizes, gatherSizes []int) (*tensors.Tensor, error) {
	t.muOp.Lock()
	defer t.muOp.Unlock()
	select {
	case <-t.closed:
		return nil, errors.Wrapf(ErrClosed, "AllToAll on worker %d", t.rank)
	default:
	}

	pieces, err := collective.ScatterPieces(input, scatterDim, scatterSizes, t.worldSize)
	if err != nil {
		return nil, err
	}
	seq := t.seq
	t.seq++

	var sends errgroup.Group
	for dst, piece := range pieces {
		if dst == t.rank {
			continue
		}
		p := t.peers[dst]
		sends.Go(func() error { return p.send(seq, t.rank, piece, t.cfg.Timeout) })
	}

	received := make([]*tensors.Tensor, t.worldSize)
	received[t.rank] = pieces[t.rank]
	var recvErr error
	for src, p := range t.peers {
		if p == nil {
			continue
		}
		received[src], recvErr = p.next(seq, t.cfg.Timeout)
		if recvErr != nil {
			break
		}
	}
	if err := sends.Wait(); err != nil {
		return nil, err
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return collective.GatherPieces(received, pieces[t.rank], gatherDim, gatherSizes)
}

// Close the connections to all workers. Pending and future collectives fail.
// It is safe to call Close more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.closeConnections()
		t.readers.Wait()
		klog.V(1).Infof("tcp transport: worker %d closed", t.rank)
	})
	return err
}

// closeConnections closes all peer connections, returning the first error.
func (t *Transport) closeConnections() error {
	var firstErr error
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close connection to worker %d", p.rank)
		}
	}
	return firstErr
}
