package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sethvargo/go-retry"
)

var errNotYetPublished = errors.New("peer has not published yet")

// Dial runs the sender side of a signaling exchange: publish an offer under
// the connection code, poll for the answer, trickle candidates both ways and
// hand back the established transport. The exchange record is discarded once
// the channel is up.
func Dial(ctx context.Context, logger *slog.Logger, ch SignalChannel, code string, cfg DirectConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	logger = logger.With(slog.String("component", "p2p_sender"), slog.String("code", code))

	if err := ch.CreateExchange(ctx, code); err != nil {
		return nil, err
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	conn := newConn(logger, cfg, pc)

	ordered := true
	dc, err := pc.CreateDataChannel("file", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.bindChannel(dc)

	publishCandidates(ctx, logger, ch, code, RoleSender, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		conn.Close()
		return nil, err
	}
	offerBlob, err := json.Marshal(offer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.PublishOffer(ctx, code, offerBlob); err != nil {
		conn.Close()
		return nil, err
	}

	answerBlob, err := pollFor(ctx, ch, code, cfg, func(rec Record) json.RawMessage { return rec.Answer })
	if err != nil {
		conn.Close()
		return nil, err
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerBlob, &answer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		conn.Close()
		return nil, err
	}

	go applyCandidates(ctx, logger, ch, code, cfg, pc, conn, func(rec Record) []json.RawMessage {
		return rec.ReceiverCandidates
	})

	if err := conn.waitOpen(ctx, cfg.Timeout); err != nil {
		conn.Close()
		return nil, err
	}
	ch.Discard(ctx, code)
	return conn, nil
}

// Accept runs the receiver side: poll the code for an offer, answer it and
// wait for the channel the sender created.
func Accept(ctx context.Context, logger *slog.Logger, ch SignalChannel, code string, cfg DirectConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	logger = logger.With(slog.String("component", "p2p_receiver"), slog.String("code", code))

	offerBlob, err := pollFor(ctx, ch, code, cfg, func(rec Record) json.RawMessage { return rec.Offer })
	if err != nil {
		return nil, err
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerBlob, &offer); err != nil {
		return nil, fmt.Errorf("malformed offer: %w", err)
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	conn := newConn(logger, cfg, pc)
	pc.OnDataChannel(conn.bindChannel)

	publishCandidates(ctx, logger, ch, code, RoleReceiver, pc)

	if err := pc.SetRemoteDescription(offer); err != nil {
		conn.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.Close()
		return nil, err
	}
	answerBlob, err := json.Marshal(answer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.PublishAnswer(ctx, code, answerBlob); err != nil {
		conn.Close()
		return nil, err
	}

	go applyCandidates(ctx, logger, ch, code, cfg, pc, conn, func(rec Record) []json.RawMessage {
		return rec.SenderCandidates
	})

	if err := conn.waitOpen(ctx, cfg.Timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newPeerConnection(cfg DirectConfig) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
	})
}

// publishCandidates forwards locally discovered ICE candidates to the shared
// record as they trickle in.
func publishCandidates(ctx context.Context, logger *slog.Logger, ch SignalChannel, code string, role Role, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		blob, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		if err := ch.PublishCandidate(ctx, code, role, blob); err != nil {
			logger.Debug("Failed to publish candidate", slog.Any("error", err))
		}
	})
}

// pollFor fetches the record on a fixed interval until extract returns a
// value, the context ends, or the bounded duration elapses.
func pollFor(ctx context.Context, ch SignalChannel, code string, cfg DirectConfig, extract func(Record) json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	backoff := retry.WithMaxDuration(cfg.Timeout, retry.NewConstant(cfg.PollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec, err := ch.Fetch(ctx, code)
		if err != nil {
			if errors.Is(err, ErrExchangeNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}
		if v := extract(rec); v != nil {
			out = v
			return nil
		}
		return retry.RetryableError(errNotYetPublished)
	})
	if err != nil {
		if errors.Is(err, errNotYetPublished) || errors.Is(err, ErrExchangeNotFound) {
			return nil, ErrSignalingTimeout
		}
		return nil, err
	}
	return out, nil
}

// applyCandidates consumes the peer's trickled candidates until the channel
// opens (candidates observed near connection time are still applied).
func applyCandidates(ctx context.Context, logger *slog.Logger, ch SignalChannel, code string, cfg DirectConfig, pc *webrtc.PeerConnection, conn *Conn, extract func(Record) []json.RawMessage) {
	applied := 0
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.After(cfg.Timeout)

	for {
		select {
		case <-conn.open:
			return
		case <-conn.closed:
			return
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}

		rec, err := ch.Fetch(ctx, code)
		if err != nil {
			continue
		}
		candidates := extract(rec)
		for ; applied < len(candidates); applied++ {
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal(candidates[applied], &init); err != nil {
				continue
			}
			if err := pc.AddICECandidate(init); err != nil {
				logger.Debug("Failed to apply candidate", slog.Any("error", err))
			}
		}
	}
}
