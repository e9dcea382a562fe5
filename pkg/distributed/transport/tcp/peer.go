// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hello is exchanged by both ends of a new connection.
type hello struct {
	Session   string
	Rank      int
	WorldSize int
}

// frameHeader precedes each tensor on the wire.
type frameHeader struct {
	// Seq is the sequence number of the collective the piece belongs to.
	Seq uint64

	// Source is the rank of the sender.
	Source int
}

// frame is a piece received from a peer, waiting to be consumed by a collective.
type frame struct {
	seq    uint64
	tensor *tensors.Tensor
}

// peer is the connection to one other worker.
type peer struct {
	rank int
	conn net.Conn

	// muWrite serializes frames written to the connection.
	muWrite sync.Mutex
	writer  *bufio.Writer
	encoder *gob.Encoder
	decoder *gob.Decoder

	// mu protects inbox and err.
	mu    sync.Mutex
	inbox *queue.Queue // of *frame, in arrival order.
	err   error        // Set when the reader stops.

	// notify is signaled (non-blocking, capacity 1) whenever inbox or err change.
	notify chan struct{}
}

func newPeer(conn net.Conn) *peer {
	writer := bufio.NewWriter(conn)
	return &peer{
		rank:    -1,
		conn:    conn,
		writer:  writer,
		encoder: gob.NewEncoder(writer),
		decoder: gob.NewDecoder(bufio.NewReader(conn)),
		inbox:   queue.New(),
		notify:  make(chan struct{}, 1),
	}
}

// sendHello writes h and flushes it.
func (p *peer) sendHello(h hello) error {
	p.muWrite.Lock()
	defer p.muWrite.Unlock()
	if err := p.encoder.Encode(h); err != nil {
		return errors.Wrap(err, "failed to send handshake")
	}
	return errors.Wrap(p.writer.Flush(), "failed to send handshake")
}

// receiveHello reads the handshake sent by the other end.
func (p *peer) receiveHello() (h hello, err error) {
	err = p.decoder.Decode(&h)
	if err != nil {
		err = errors.Wrap(err, "failed to receive handshake")
	}
	return
}

// checkHello verifies the handshake received from a connecting (or connected) worker.
func checkHello(got hello, session string, worldSize int) error {
	if got.Session != session {
		return errors.Errorf("worker %d belongs to session %q, expected %q", got.Rank, got.Session, session)
	}
	if got.WorldSize != worldSize {
		return errors.Errorf("worker %d has world size %d, expected %d", got.Rank, got.WorldSize, worldSize)
	}
	if got.Rank < 0 || got.Rank >= worldSize {
		return errors.Errorf("worker rank %d out of range [0, %d)", got.Rank, worldSize)
	}
	return nil
}

// send writes one piece to the peer. If timeout > 0 the write must complete within it.
func (p *peer) send(seq uint64, source int, piece *tensors.Tensor, timeout time.Duration) error {
	p.muWrite.Lock()
	defer p.muWrite.Unlock()
	if timeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return errors.Wrapf(err, "failed to set write deadline for worker %d", p.rank)
		}
		defer func() { _ = p.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := p.encoder.Encode(frameHeader{Seq: seq, Source: source}); err != nil {
		return errors.Wrapf(err, "failed to send frame #%d header to worker %d", seq, p.rank)
	}
	if err := piece.GobSerialize(p.encoder); err != nil {
		return errors.WithMessagef(err, "failed to send frame #%d to worker %d", seq, p.rank)
	}
	if err := p.writer.Flush(); err != nil {
		return errors.Wrapf(err, "failed to send frame #%d to worker %d", seq, p.rank)
	}
	if klog.V(2).Enabled() {
		klog.Infof("tcp: sent frame #%d %s to worker %d", seq, piece.Shape(), p.rank)
	}
	return nil
}

// readLoop decodes frames from the connection into the inbox, until the connection fails or is closed.
func (p *peer) readLoop() {
	for {
		var header frameHeader
		if err := p.decoder.Decode(&header); err != nil {
			p.fail(errors.Wrapf(err, "connection to worker %d failed", p.rank))
			return
		}
		if header.Source != p.rank {
			p.fail(errors.Errorf("received frame #%d from worker %d on the connection of worker %d",
				header.Seq, header.Source, p.rank))
			return
		}
		piece, err := tensors.GobDeserialize(p.decoder)
		if err != nil {
			p.fail(errors.WithMessagef(err, "failed to receive frame #%d from worker %d", header.Seq, p.rank))
			return
		}
		if klog.V(2).Enabled() {
			klog.Infof("tcp: received frame #%d %s from worker %d", header.Seq, piece.Shape(), p.rank)
		}
		p.mu.Lock()
		p.inbox.Add(&frame{seq: header.Seq, tensor: piece})
		p.mu.Unlock()
		p.signal()
	}
}

// fail records the first error of the connection and wakes up any waiter.
func (p *peer) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.signal()
}

func (p *peer) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// next returns the next piece received from the peer, which must belong to the collective seq.
//
// Frames already received are consumed even if the connection failed afterward.
// If timeout > 0 it waits at most that long.
func (p *peer) next(seq uint64, timeout time.Duration) (*tensors.Tensor, error) {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	for {
		p.mu.Lock()
		if p.inbox.Length() > 0 {
			f := p.inbox.Peek().(*frame)
			p.inbox.Remove()
			p.mu.Unlock()
			if f.seq != seq {
				return nil, errors.Wrapf(ErrOutOfOrder, "expected piece of collective #%d from worker %d, got #%d",
					seq, p.rank, f.seq)
			}
			return f.tensor, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		select {
		case <-p.notify:
		case <-timerC:
			return nil, errors.Wrapf(ErrTimeout, "waited %s for the piece of collective #%d from worker %d",
				timeout, seq, p.rank)
		}
	}
}
