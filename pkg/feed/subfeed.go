package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"kachery/pkg/daemon"
)

// Subfeed is a cursor over one subfeed. Handles never share positions.
type Subfeed struct {
	feed    *Feed
	name    any
	nameStr string
	hash    string

	mu       sync.Mutex
	position int64
}

func (s *Subfeed) Feed() *Feed { return s.feed }

func (s *Subfeed) Name() any { return s.name }

// NameString is the name for string names and "~<hash>" otherwise.
func (s *Subfeed) NameString() string { return s.nameStr }

func (s *Subfeed) Hash() string { return s.hash }

func (s *Subfeed) URI() string { return s.feed.subfeedURI(s.nameStr) }

func (s *Subfeed) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Subfeed) SetPosition(pos int64) {
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
}

func (s *Subfeed) advance(n int64) {
	s.mu.Lock()
	s.position += n
	s.mu.Unlock()
}

func (s *Subfeed) gw() Gateway { return s.feed.client.gw }

func (s *Subfeed) GetNumMessages(ctx context.Context) (int64, error) {
	if snap := s.feed.snapshot; snap != nil {
		return int64(len(snap.Subfeeds[s.hash].Messages)), nil
	}
	n, err := s.gw().GetNumMessages(ctx, s.feed.id, s.hash)
	if err != nil {
		return 0, fmt.Errorf("unable to get number of messages: %w", err)
	}
	return n, nil
}

// GetNextMessages returns up to maxCount messages (0 means no limit) from
// the current position, waiting up to wait for the first one on live feeds.
// With advance the position moves past the returned messages.
func (s *Subfeed) GetNextMessages(ctx context.Context, wait time.Duration, maxCount int, advance bool) ([]Message, error) {
	return s.next(ctx, false, wait, maxCount, advance)
}

// GetNextSignedMessages is GetNextMessages returning signed envelopes.
func (s *Subfeed) GetNextSignedMessages(ctx context.Context, wait time.Duration, maxCount int, advance bool) ([]Message, error) {
	return s.next(ctx, true, wait, maxCount, advance)
}

// GetNextMessage returns the next message and advances past it. ok is false
// when nothing arrived within wait.
func (s *Subfeed) GetNextMessage(ctx context.Context, wait time.Duration) (Message, bool, error) {
	msgs, err := s.next(ctx, false, wait, 1, true)
	if err != nil || len(msgs) == 0 {
		return nil, false, err
	}
	return msgs[0], true, nil
}

func (s *Subfeed) next(ctx context.Context, signed bool, wait time.Duration, maxCount int, advance bool) ([]Message, error) {
	pos := s.Position()

	var msgs []Message
	if snap := s.feed.snapshot; snap != nil {
		// snapshots hold plain messages only, signed or not
		msgs = snapshotSlice(snap.Subfeeds[s.hash].Messages, pos, maxCount)
	} else {
		req := daemon.GetMessagesRequest{
			FeedID:         s.feed.id,
			SubfeedHash:    s.hash,
			Position:       pos,
			MaxNumMessages: maxCount,
			WaitMsec:       wait.Milliseconds(),
		}
		var err error
		if signed {
			msgs, err = s.gw().GetSignedMessages(ctx, req)
		} else {
			msgs, err = s.gw().GetMessages(ctx, req)
		}
		if err != nil {
			return nil, fmt.Errorf("unable to get messages of %s: %w", s.nameStr, err)
		}
	}

	if advance {
		s.advance(int64(len(msgs)))
	}
	return msgs, nil
}

func snapshotSlice(all []json.RawMessage, pos int64, maxCount int) []Message {
	if pos >= int64(len(all)) {
		return nil
	}
	out := all[pos:]
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return slices.Clone(out)
}

// MessageStream yields messages from the current position on, advancing by
// one per yield. Snapshot streams end when their messages run out. Live
// streams keep polling until ctx is done or a read fails.
func (s *Subfeed) MessageStream(ctx context.Context) iter.Seq2[Message, error] {
	return s.stream(ctx, false)
}

func (s *Subfeed) SignedMessageStream(ctx context.Context) iter.Seq2[Message, error] {
	return s.stream(ctx, true)
}

func (s *Subfeed) stream(ctx context.Context, signed bool) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		clk := s.feed.client.clock
		for {
			// 1. fetch a batch without moving the cursor
			batch, err := s.next(ctx, signed, streamWait, 0, false)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(nil, err)
				return
			}

			// 2. hand it out one message at a time
			for _, m := range batch {
				s.advance(1)
				if !yield(m, nil) {
					return
				}
			}
			if len(batch) > 0 {
				continue
			}

			// 3. nothing new
			if s.feed.IsSnapshot() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-clk.After(streamPause):
			}
		}
	}
}

// AppendMessages appends to a writeable live feed.
func (s *Subfeed) AppendMessages(ctx context.Context, msgs ...Message) error {
	if !s.feed.IsWriteable() {
		return fmt.Errorf("cannot append to %s: %w", s.URI(), ErrNotWriteable)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.gw().AppendMessages(ctx, s.feed.id, s.hash, msgs); err != nil {
		return fmt.Errorf("unable to append messages: %w", err)
	}
	return nil
}

// SubmitMessages asks the feed owner to append each message, one request
// per message. Access is decided by the owner's rules.
func (s *Subfeed) SubmitMessages(ctx context.Context, msgs ...Message) error {
	if s.feed.IsSnapshot() {
		return fmt.Errorf("cannot submit to snapshot %s: %w", s.URI(), ErrAccessDenied)
	}
	for _, m := range msgs {
		if err := s.gw().SubmitMessage(ctx, s.feed.id, s.hash, m, submitTimeout); err != nil {
			return fmt.Errorf("unable to submit message: %w", err)
		}
	}
	return nil
}

func (s *Subfeed) GetAccessRules(ctx context.Context) (*daemon.AccessRules, error) {
	if !s.feed.IsWriteable() {
		return nil, fmt.Errorf("cannot get access rules of %s: %w", s.URI(), ErrNotWriteable)
	}
	rules, err := s.gw().GetAccessRules(ctx, s.feed.id, s.hash)
	if err != nil {
		return nil, fmt.Errorf("unable to get access rules: %w", err)
	}
	return rules, nil
}

func (s *Subfeed) SetAccessRules(ctx context.Context, rules daemon.AccessRules) error {
	if !s.feed.IsWriteable() {
		return fmt.Errorf("cannot set access rules of %s: %w", s.URI(), ErrNotWriteable)
	}
	if err := s.gw().SetAccessRules(ctx, s.feed.id, s.hash, rules); err != nil {
		return fmt.Errorf("unable to set access rules: %w", err)
	}
	return nil
}

// GrantWriteAccess adds a write rule for nodeID. Rules are only written
// back when they change.
func (s *Subfeed) GrantWriteAccess(ctx context.Context, nodeID string) error {
	return s.updateRules(ctx, func(rules []daemon.AccessRule) ([]daemon.AccessRule, bool) {
		for i, r := range rules {
			if r.NodeID != nodeID {
				continue
			}
			if r.Write {
				return rules, false
			}
			rules[i].Write = true
			return rules, true
		}
		return append(rules, daemon.AccessRule{NodeID: nodeID, Write: true}), true
	})
}

// RevokeWriteAccess clears the write flag on the rule for nodeID. The rule
// itself stays.
func (s *Subfeed) RevokeWriteAccess(ctx context.Context, nodeID string) error {
	return s.updateRules(ctx, func(rules []daemon.AccessRule) ([]daemon.AccessRule, bool) {
		for i, r := range rules {
			if r.NodeID == nodeID && r.Write {
				rules[i].Write = false
				return rules, true
			}
		}
		return rules, false
	})
}

func (s *Subfeed) updateRules(ctx context.Context, edit func([]daemon.AccessRule) ([]daemon.AccessRule, bool)) error {
	current, err := s.GetAccessRules(ctx)
	if err != nil {
		return err
	}
	rules, changed := edit(current.Rules)
	if !changed {
		return nil
	}
	return s.SetAccessRules(ctx, daemon.AccessRules{Rules: rules})
}
