package driver

import (
	"context"
	"fmt"

	"otogi-markov/pkg/otogi"
)

// SelectMemberDirectory returns the member directory of the only runtime that
// has one, or nil when none does. Conversations do not name their sink, so
// two directories are ambiguous and rejected.
func SelectMemberDirectory(runtimes []Runtime) (otogi.MemberDirectory, error) {
	var chosen *Runtime
	for index := range runtimes {
		if runtimes[index].MemberDirectory == nil {
			continue
		}
		if chosen != nil {
			return nil, fmt.Errorf(
				"select member directory: both %s and %s provide one",
				chosen.Source.ID,
				runtimes[index].Source.ID,
			)
		}
		chosen = &runtimes[index]
	}
	if chosen == nil {
		return nil, nil
	}

	return chosen.MemberDirectory, nil
}

// CompositeSinkDispatcher fans outbound requests out to the driver named by
// the request target.
type CompositeSinkDispatcher struct {
	sinks      map[string]otogi.SinkDispatcher
	platformOf map[string]otogi.Platform
}

// NewCompositeSinkDispatcher indexes the runtimes that can send messages.
func NewCompositeSinkDispatcher(runtimes []Runtime) (*CompositeSinkDispatcher, error) {
	composite := &CompositeSinkDispatcher{
		sinks:      make(map[string]otogi.SinkDispatcher),
		platformOf: make(map[string]otogi.Platform),
	}
	for _, runtime := range runtimes {
		if runtime.SinkDispatcher == nil {
			continue
		}
		id := runtime.Source.ID
		if id == "" {
			return nil, fmt.Errorf("new composite sink dispatcher: runtime on %s has no id", runtime.Source.Platform)
		}
		if _, taken := composite.sinks[id]; taken {
			return nil, fmt.Errorf("new composite sink dispatcher: duplicate sink id %s", id)
		}
		composite.sinks[id] = runtime.SinkDispatcher
		composite.platformOf[id] = runtime.Source.Platform
	}

	return composite, nil
}

// SendMessage forwards request to the sink its target resolves to.
func (d *CompositeSinkDispatcher) SendMessage(
	ctx context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	sink, err := d.pick(request.Target.Sink)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	message, err := sink.SendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send message via composite: %w", err)
	}

	return message, nil
}

// pick resolves a sink reference. A nil reference is accepted only when
// exactly one sink exists.
func (d *CompositeSinkDispatcher) pick(ref *otogi.EventSink) (otogi.SinkDispatcher, error) {
	if d == nil || len(d.sinks) == 0 {
		return nil, fmt.Errorf("%w: no sinks configured", otogi.ErrOutboundUnsupported)
	}

	var candidates []string
	for id, platform := range d.platformOf {
		switch {
		case ref == nil:
		case ref.ID != "" && ref.ID != id:
			continue
		case ref.Platform != "" && ref.Platform != platform:
			continue
		case ref.ID == "" && ref.Platform == "":
			return nil, fmt.Errorf("%w: empty sink reference", otogi.ErrOutboundUnsupported)
		}
		candidates = append(candidates, id)
	}

	switch len(candidates) {
	case 1:
		return d.sinks[candidates[0]], nil
	case 0:
		return nil, fmt.Errorf("%w: no sink matches %s", otogi.ErrOutboundUnsupported, describeSinkRef(ref))
	default:
		return nil, fmt.Errorf("%w: %d sinks match %s", otogi.ErrOutboundUnsupported, len(candidates), describeSinkRef(ref))
	}
}

func describeSinkRef(ref *otogi.EventSink) string {
	if ref == nil {
		return "an unspecified sink"
	}

	return fmt.Sprintf("platform=%q id=%q", ref.Platform, ref.ID)
}
