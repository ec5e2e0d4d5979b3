package transport

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// Probe dials a health endpoint and waits for its single liveness frame. It
// checks that the push path is reachable without touching a live session.
func Probe(ctx context.Context, d Dialer) (message.HealthPayload, error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return message.HealthPayload{}, errors.Wrap(err, "probe dial")
	}
	defer func() { _ = conn.Close() }()

	type result struct {
		raw []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := conn.ReadFrame(ctx)
		ch <- result{raw: raw, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return message.HealthPayload{}, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		return message.HealthPayload{}, errors.Wrap(res.err, "probe read")
	}
	frame, err := message.DecodeFrame(res.raw)
	if err != nil {
		return message.HealthPayload{}, err
	}
	if frame.Type != message.FrameHealth {
		return message.HealthPayload{}, errors.Errorf("probe: expected health frame, got %q", frame.Type)
	}
	var hp message.HealthPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &hp); err != nil {
			return message.HealthPayload{}, errors.Wrap(err, "probe: decode health payload")
		}
	}
	return hp, nil
}
