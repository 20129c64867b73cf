package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"otogi-markov/pkg/otogi"

	"github.com/gotd/td/crypto"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"
)

const (
	defaultOutboundTimeout = 3 * time.Second
	// maxMessageRunes is the Bot API limit for one text message.
	maxMessageRunes = 4096

	outboundOperationSendMessage = "send_message"
)

// OutboundOption configures a SinkDispatcher.
type OutboundOption func(*SinkDispatcher)

// WithOutboundTimeout bounds each RPC.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(dispatcher *SinkDispatcher) {
		if timeout > 0 {
			dispatcher.timeout = timeout
		}
	}
}

// WithOutboundLogger enables debug logging of sent messages.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(dispatcher *SinkDispatcher) {
		dispatcher.logger = logger
	}
}

// WithSinkRef names the sink reported in outbound errors.
func WithSinkRef(ref otogi.EventSink) OutboundOption {
	return func(dispatcher *SinkDispatcher) {
		if ref.Platform == "" {
			ref.Platform = DriverPlatform
		}
		dispatcher.sink = ref
	}
}

// SinkDispatcher sends kernel outbound requests as Telegram messages.
type SinkDispatcher struct {
	rpc     outboundRPC
	peers   *PeerCache
	sink    otogi.EventSink
	timeout time.Duration
	logger  *slog.Logger
}

// NewOutboundDispatcher creates a dispatcher that sends through client.
func NewOutboundDispatcher(client *gotdtelegram.Client, peers *PeerCache, options ...OutboundOption) (*SinkDispatcher, error) {
	if client == nil {
		return nil, errors.New("new telegram outbound dispatcher: nil client")
	}

	return newOutboundDispatcherWithRPC(gotdOutboundRPC{api: client.API()}, peers, options...)
}

func newOutboundDispatcherWithRPC(rpc outboundRPC, peers *PeerCache, options ...OutboundOption) (*SinkDispatcher, error) {
	switch {
	case rpc == nil:
		return nil, errors.New("new telegram outbound dispatcher: nil rpc")
	case peers == nil:
		return nil, errors.New("new telegram outbound dispatcher: nil peer cache")
	}

	dispatcher := &SinkDispatcher{
		rpc:     rpc,
		peers:   peers,
		sink:    otogi.EventSink{Platform: DriverPlatform},
		timeout: defaultOutboundTimeout,
	}
	for _, option := range options {
		option(dispatcher)
	}

	return dispatcher, nil
}

// SendMessage posts request.Text to the target chat. Text beyond the platform
// limit is cut at a rune boundary. RPC failures come back as
// *otogi.OutboundError.
func (d *SinkDispatcher) SendMessage(ctx context.Context, request otogi.SendMessageRequest) (*otogi.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	conversationID := request.Target.Conversation.ID

	peer, err := d.peers.Resolve(request.Target.Conversation)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", conversationID, err)
	}
	var replyTo int
	if request.ReplyToMessageID != "" {
		if replyTo, err = parseMessageID(request.ReplyToMessageID); err != nil {
			return nil, fmt.Errorf("send message to %s: %w", conversationID, err)
		}
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	id, err := d.rpc.SendText(rpcCtx, peer, truncateRunes(request.Text, maxMessageRunes), replyTo)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w",
			conversationID, outboundFailure(outboundOperationSendMessage, d.sink, err))
	}

	if d.logger != nil {
		d.logger.DebugContext(ctx, "telegram message sent",
			"sink_id", d.sink.ID,
			"conversation", conversationID,
			"message_id", id,
			"reply_to", request.ReplyToMessageID,
		)
	}

	return &otogi.OutboundMessage{ID: strconv.Itoa(id), Target: request.Target}, nil
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	cut := 0
	for index := range text {
		if limit == 0 {
			cut = index
			break
		}
		limit--
	}

	return text[:cut]
}

func parseMessageID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	switch {
	case err != nil:
		return 0, fmt.Errorf("message id %q: %w", raw, err)
	case id <= 0:
		return 0, fmt.Errorf("message id %q: must be positive", raw)
	}

	return id, nil
}

type outboundRPC interface {
	SendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) (int, error)
}

type gotdOutboundRPC struct {
	api *tg.Client
}

func (r gotdOutboundRPC) SendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) (int, error) {
	randomID, err := crypto.RandInt64(crypto.DefaultRand())
	if err != nil {
		return 0, fmt.Errorf("random id: %w", err)
	}

	request := &tg.MessagesSendMessageRequest{Peer: peer, Message: text, RandomID: randomID}
	if replyTo > 0 {
		request.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: replyTo})
	}
	updates, err := r.api.MessagesSendMessage(ctx, request)
	if err != nil {
		return 0, err
	}

	return unpack.MessageID(updates, nil)
}
