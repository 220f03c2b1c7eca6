// Package token implements read-your-writes consistency tokens. An append
// returns the global position of its last event; a client hands that position
// back as a token and waits until the projection it is about to read has
// caught up to it.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/metrics"
	"github.com/ledgerline-systems/ledgerline/internal/notify"
)

// ErrWaitTimeout is returned when the projection did not reach the requested
// position within the deadline.
var ErrWaitTimeout = errors.New("timed out waiting for projection to catch up")

const tokenPrefix = "pos:"

// Token is an opaque consistency token. Clients treat it as a string; only
// this package looks inside.
type Token struct {
	// Position is the global change-stream position the issuing append
	// reached.
	Position uint64
}

// FromPosition wraps an append position in a token.
func FromPosition(position uint64) Token {
	return Token{Position: position}
}

// String renders the wire form of the token.
func (t Token) String() string {
	return tokenPrefix + strconv.FormatUint(t.Position, 10)
}

// Parse decodes the wire form of a token.
func Parse(s string) (Token, error) {
	raw, ok := strings.CutPrefix(s, tokenPrefix)
	if !ok {
		return Token{}, fmt.Errorf("malformed consistency token %q", s)
	}
	pos, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("malformed consistency token %q: %w", s, err)
	}
	return Token{Position: pos}, nil
}

// Service blocks readers until a projection partition has processed up to a
// token's position. Checkpoint hints wake waiters early; polling bounds the
// wait when hints are lost.
type Service struct {
	checkpoints  checkpoint.Store
	notifier     notify.Notifier
	pollInterval time.Duration
}

// NewService builds a token service. The notifier is optional; without it the
// service polls at pollInterval only.
func NewService(checkpoints checkpoint.Store, notifier notify.Notifier, pollInterval time.Duration) *Service {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Service{
		checkpoints:  checkpoints,
		notifier:     notifier,
		pollInterval: pollInterval,
	}
}

// WaitFor blocks until the checkpoint of (projection, partition) is at or
// past the token's position, the timeout elapses, or ctx is cancelled.
func (s *Service) WaitFor(ctx context.Context, projection string, partition int, tok Token, timeout time.Duration) error {
	reached, err := s.reached(ctx, projection, partition, tok.Position)
	if err != nil {
		return err
	}
	if reached {
		return nil
	}

	hints := make(chan struct{}, 1)
	if s.notifier != nil {
		unsub := s.notifier.SubscribeCheckpoints(func(h notify.CheckpointHint) {
			if h.Projection != projection || h.Partition != partition || h.Position < tok.Position {
				return
			}
			select {
			case hints <- struct{}{}:
			default:
			}
		})
		defer unsub()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			metrics.WaitForTimeouts.Inc()
			return fmt.Errorf("%w: %s/%d at position %d", ErrWaitTimeout, projection, partition, tok.Position)
		case <-hints:
		case <-poll.C:
		}
		reached, err := s.reached(ctx, projection, partition, tok.Position)
		if err != nil {
			return err
		}
		if reached {
			return nil
		}
	}
}

// WaitForAggregate waits on the partition that owns aggregateID in a
// projection with the given partition count.
func (s *Service) WaitForAggregate(ctx context.Context, projection string, partitions int, aggregateID string, tok Token, timeout time.Duration) error {
	return s.WaitFor(ctx, projection, envelope.PartitionFor(aggregateID, partitions), tok, timeout)
}

func (s *Service) reached(ctx context.Context, projection string, partition int, position uint64) (bool, error) {
	pos, err := s.checkpoints.Load(ctx, projection, partition)
	if err != nil {
		return false, fmt.Errorf("load checkpoint %s/%d: %w", projection, partition, err)
	}
	return pos >= position, nil
}
