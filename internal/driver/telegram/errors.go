package telegram

import (
	"errors"
	"strings"

	"otogi-markov/pkg/otogi"

	"github.com/gotd/td/tgerr"
)

// outboundFailure wraps an RPC failure in otogi.OutboundError so callers can
// branch on Kind. Flood waits carry the server's retry hint.
func outboundFailure(operation string, sink otogi.EventSink, err error) error {
	if err == nil || errors.Is(err, otogi.ErrInvalidOutboundRequest) {
		return err
	}

	failure := &otogi.OutboundError{
		Operation: operation,
		Kind:      otogi.OutboundErrorKindUnknown,
		Platform:  sink.Platform,
		SinkID:    sink.ID,
		Cause:     err,
	}
	if rpcErr, ok := tgerr.As(err); ok {
		failure.Code = rpcErr.Code
		failure.Type = rpcErr.Type
		failure.Kind = rpcErrorKind(rpcErr)
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		failure.Kind = otogi.OutboundErrorKindRateLimited
		failure.RetryAfter = wait
	}

	return failure
}

func rpcErrorKind(rpcErr *tgerr.Error) otogi.OutboundErrorKind {
	switch code := rpcErr.Code; {
	case code == 420, code == 429, strings.Contains(strings.ToUpper(rpcErr.Type), "FLOOD"):
		return otogi.OutboundErrorKindRateLimited
	case code == 303, code >= 500:
		return otogi.OutboundErrorKindTemporary
	case code >= 400:
		return otogi.OutboundErrorKindPermanent
	default:
		return otogi.OutboundErrorKindUnknown
	}
}
