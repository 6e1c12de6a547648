package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/ghostpool/pkg/log"
)

const pollTimeout = 250 * time.Millisecond

// ZMQNotifier handles ZMQ notifications from the node
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a new ZMQ notifier
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns hashblock notifications into callbacks
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string)
}

// NewBlockNotificationHandler creates a handler calling onNewBlock for
// every new chain tip.
func NewBlockNotificationHandler(logger *log.Logger, onNewBlock func(blockHash string)) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger:     logger,
		onNewBlock: onNewBlock,
	}
}

// HandleMessage handles a ZMQ message
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case "hashblock":
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		blockHash := reverseHex(data)
		h.logger.Debug("new block notification", "hash", blockHash)
		if h.onNewBlock != nil {
			h.onNewBlock(blockHash)
		}
	default:
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
	}
	return nil
}

// TemplateTriggers returns a channel that fires once immediately, on every
// block notification from zmq (when non-nil) and every interval. Pending
// triggers coalesce, so a slow consumer sees at most one queued refresh.
// The channel is never closed; consumers stop on ctx.
func TemplateTriggers(ctx context.Context, notifier ZMQInterface, interval time.Duration, logger *log.Logger) <-chan struct{} {
	triggers := make(chan struct{}, 1)
	fire := func() {
		select {
		case triggers <- struct{}{}:
		default:
		}
	}
	fire()

	if notifier != nil {
		handler := NewBlockNotificationHandler(logger, func(string) { fire() })
		go func() {
			if err := notifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("ZMQ listener stopped")
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fire()
			}
		}
	}()

	return triggers
}

// reverseHex reverses bytes and converts to hex string
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed)
}
