package devd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"kachery/pkg/core"
	"kachery/pkg/daemon"
	"kachery/pkg/meta"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// signedBody is the signed part of a message envelope.
type signedBody struct {
	PreviousSignature *string         `json:"previousSignature"`
	MessageNumber     int64           `json:"messageNumber"`
	Message           json.RawMessage `json:"message"`
	Timestamp         int64           `json:"timestamp"`
}

type signedMessage struct {
	Body      signedBody `json:"body"`
	Signature string     `json:"signature"`
}

func bodyOf(m *meta.Message) signedBody {
	b := signedBody{MessageNumber: m.Position, Message: json.RawMessage(m.Body), Timestamp: m.Timestamp}
	if m.PreviousSignature != "" {
		prev := m.PreviousSignature
		b.PreviousSignature = &prev
	}
	return b
}

// sign is a digest of the body, standing in for a real signature.
func sign(m *meta.Message) string {
	h, err := core.SumObject(bodyOf(m))
	if err != nil {
		return ""
	}
	return h.String()
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var req daemon.CreateFeedRequest
	if !decode(w, r, &req) {
		return
	}
	f := &meta.Feed{ID: newID(), NodeID: s.nodeID}
	if req.FeedName != nil && *req.FeedName != "" {
		f.Name = req.FeedName
	}
	if err := s.repo.CreateFeed(r.Context(), f); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("created feed", zap.String("feed_id", f.ID))
	writeJSON(w, daemon.CreateFeedResponse{Reply: ok(), FeedID: f.ID})
}

func (s *Server) handleGetFeedInfo(w http.ResponseWriter, r *http.Request) {
	var req daemon.GetFeedInfoRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.repo.GetFeed(r.Context(), req.FeedID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, daemon.GetFeedInfoResponse{Reply: ok(), IsWriteable: f.NodeID == s.nodeID, NodeID: f.NodeID})
}

func (s *Server) handleGetFeedID(w http.ResponseWriter, r *http.Request) {
	var req daemon.GetFeedIDRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.repo.FeedIDByName(r.Context(), req.FeedName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, daemon.GetFeedIDResponse{Reply: ok(), FeedID: id})
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	var req daemon.DeleteFeedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.repo.DeleteFeed(r.Context(), req.FeedID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.messages.broadcast()
	writeJSON(w, ok())
}

func (s *Server) handleGetNumMessages(w http.ResponseWriter, r *http.Request) {
	var req daemon.SubfeedRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.repo.CountMessages(r.Context(), req.FeedID, req.SubfeedHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, daemon.GetNumMessagesResponse{Reply: ok(), NumMessages: n})
}

// waitFor polls check until it reports something or wait runs out. Every
// append re-runs check.
func (s *Server) waitFor(ctx context.Context, wait time.Duration, check func() (bool, error)) error {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		changed := s.messages.changed()
		found, err := check()
		if err != nil || found || timeout == nil {
			return err
		}
		select {
		case <-changed:
		case <-timeout:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) handleGetMessages(signed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req daemon.GetMessagesRequest
		if !decode(w, r, &req) {
			return
		}

		var msgs []meta.Message
		err := s.waitFor(r.Context(), time.Duration(req.WaitMsec)*time.Millisecond, func() (bool, error) {
			var err error
			msgs, err = s.repo.ListMessages(r.Context(), req.FeedID, req.SubfeedHash, req.Position, req.MaxNumMessages)
			return len(msgs) > 0, err
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}

		out := make([]json.RawMessage, 0, len(msgs))
		for i := range msgs {
			if !signed {
				out = append(out, json.RawMessage(msgs[i].Body))
				continue
			}
			env, err := json.Marshal(signedMessage{Body: bodyOf(&msgs[i]), Signature: msgs[i].Signature})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			out = append(out, env)
		}
		if signed {
			writeJSON(w, daemon.GetSignedMessagesResponse{Reply: ok(), SignedMessages: out})
		} else {
			writeJSON(w, daemon.GetMessagesResponse{Reply: ok(), Messages: out})
		}
	}
}

func (s *Server) append(ctx context.Context, feedID, subfeedHash string, msgs []json.RawMessage) error {
	f, err := s.repo.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if f.NodeID != s.nodeID {
		return fmt.Errorf("feed %s is not writeable by this node", feedID)
	}
	bodies := make([]datatypes.JSON, len(msgs))
	for i, m := range msgs {
		bodies[i] = datatypes.JSON(m)
	}
	if _, err := s.repo.AppendMessages(ctx, feedID, subfeedHash, bodies, sign); err != nil {
		return err
	}
	s.messages.broadcast()
	return nil
}

func (s *Server) handleAppendMessages(w http.ResponseWriter, r *http.Request) {
	var req daemon.AppendMessagesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.append(r.Context(), req.FeedID, req.SubfeedHash, req.Messages); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ok())
}

// Submitted messages come from this node's own clients, so they are
// appended when the node owns the feed.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req daemon.SubmitMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.append(r.Context(), req.FeedID, req.SubfeedHash, []json.RawMessage{req.Message}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ok())
}

func (s *Server) handleGetAccessRules(w http.ResponseWriter, r *http.Request) {
	var req daemon.SubfeedRequest
	if !decode(w, r, &req) {
		return
	}
	raw, err := s.repo.GetAccessRules(r.Context(), req.FeedID, req.SubfeedHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rules := daemon.AccessRules{Rules: []daemon.AccessRule{}}
	if raw != nil {
		if err := json.Unmarshal(raw, &rules); err != nil {
			s.fail(w, r, fmt.Errorf("corrupt access rules: %w", err))
			return
		}
	}
	writeJSON(w, daemon.GetAccessRulesResponse{Reply: ok(), AccessRules: rules})
}

func (s *Server) handleSetAccessRules(w http.ResponseWriter, r *http.Request) {
	var req daemon.SetAccessRulesRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.repo.GetFeed(r.Context(), req.FeedID); err != nil {
		s.fail(w, r, err)
		return
	}
	raw, err := json.Marshal(req.AccessRules)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.SetAccessRules(r.Context(), req.FeedID, req.SubfeedHash, datatypes.JSON(raw)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ok())
}

func (s *Server) handleWatchForNewMessages(w http.ResponseWriter, r *http.Request) {
	var req daemon.WatchForNewMessagesRequest
	if !decode(w, r, &req) {
		return
	}

	found := map[string][]json.RawMessage{}
	err := s.waitFor(r.Context(), time.Duration(req.WaitMsec)*time.Millisecond, func() (bool, error) {
		for key, watch := range req.SubfeedWatches {
			msgs, err := s.repo.ListMessages(r.Context(), watch.FeedID, watch.SubfeedHash, watch.Position, 0)
			if err != nil {
				return false, err
			}
			if len(msgs) == 0 {
				continue
			}
			bodies := make([]json.RawMessage, len(msgs))
			for i := range msgs {
				bodies[i] = json.RawMessage(msgs[i].Body)
			}
			found[key] = bodies
		}
		return len(found) > 0, nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, daemon.WatchForNewMessagesResponse{Reply: ok(), Messages: found})
}
