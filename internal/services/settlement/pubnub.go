package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	pubnub "github.com/pubnub/go/v7"
	"go.uber.org/zap"

	"ticket-client/models"
)

type PubNubConfig struct {
	SubscribeKey  string
	UUID          string
	ChannelPrefix string
	CipherKey     string
}

// PubNub watches settlements published by the gateway on one channel per
// payment, named <prefix>_<payment id>.
type PubNub struct {
	pn     *pubnub.PubNub
	lis    *pubnub.Listener
	prefix string
	hub    *Hub
	logger *zap.Logger

	// subscribed is set by the first Watch. The SDK's Destroy dereferences
	// subscription state that only exists after a Subscribe.
	subscribed atomic.Bool
	closeOnce  sync.Once
}

func NewPubNub(cfg PubNubConfig, logger *zap.Logger) (*PubNub, error) {
	if cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("NewPubNub: subscribe key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UUID))
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.CipherKey = cfg.CipherKey

	p := &PubNub{
		pn:     pubnub.NewPubNub(pnCfg),
		lis:    pubnub.NewListener(),
		prefix: cfg.ChannelPrefix,
		hub:    NewHub(logger),
		logger: logger,
	}
	p.pn.AddListener(p.lis)
	return p, nil
}

// Run processes listener events until ctx is done. It must be running for
// Watch to deliver anything.
func (p *PubNub) Run(ctx context.Context) {
	for {
		select {
		case st := <-p.lis.Status:
			p.logStatus(st)

		case msg := <-p.lis.Message:
			if msg == nil {
				continue
			}
			n, err := decodeNotification(msg.Message)
			if err != nil {
				p.logger.Warn("discarding pubnub message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if n.PaymentID == "" {
				n.PaymentID = strings.TrimPrefix(msg.Channel, p.prefix+"_")
			}
			p.hub.Publish(n)

		case <-ctx.Done():
			p.logger.Info("pubnub subscription loop stopped")
			return
		}
	}
}

func (p *PubNub) logStatus(st *pubnub.PNStatus) {
	if st == nil {
		return
	}
	switch st.Category {
	case pubnub.PNConnectedCategory:
		p.logger.Info("connected to pubnub", zap.Strings("channels", st.AffectedChannels))
	case pubnub.PNReconnectedCategory:
		p.logger.Info("reconnected to pubnub")
	case pubnub.PNDisconnectedCategory:
		p.logger.Warn("disconnected from pubnub")
	case pubnub.PNAccessDeniedCategory:
		p.logger.Error("pubnub access denied")
	case pubnub.PNReconnectionAttemptsExhausted:
		p.logger.Error("pubnub reconnection attempts exhausted")
	case pubnub.PNTimeoutCategory, pubnub.PNBadRequestCategory:
		p.logger.Warn("pubnub request failed", zap.Any("category", st.Category), zap.Error(st.ErrorData))
	default:
		p.logger.Debug("pubnub status", zap.Any("category", st.Category))
	}
}

func (p *PubNub) channel(paymentID string) string {
	return fmt.Sprintf("%s_%s", p.prefix, paymentID)
}

// Watch subscribes to the payment's channel. The subscription replays the
// last two minutes so a settlement published just before the call is seen.
func (p *PubNub) Watch(ctx context.Context, paymentID string) (<-chan Update, error) {
	in, err := p.hub.Watch(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("PubNub.Watch: %w", err)
	}

	channel := p.channel(paymentID)
	tt := time.Now().Add(-2*time.Minute).UnixNano() / 100
	p.subscribed.Store(true)
	p.pn.Subscribe().Channels([]string{channel}).Timetoken(tt).Execute()

	out := make(chan Update, 1)
	go func() {
		defer close(out)
		defer p.pn.Unsubscribe().Channels([]string{channel}).Execute()
		if u, ok := <-in; ok {
			out <- u
		}
	}()
	return out, nil
}

// Close releases the client. It is safe to call more than once and before
// any Watch.
func (p *PubNub) Close() {
	p.closeOnce.Do(func() {
		p.pn.RemoveListener(p.lis)
		if !p.subscribed.Load() {
			return
		}
		p.pn.UnsubscribeAll()
		p.pn.Destroy()
	})
}

// decodeNotification accepts a message published either as a JSON string or
// as a JSON object.
func decodeNotification(raw interface{}) (models.SettlementNotification, error) {
	var n models.SettlementNotification

	var data []byte
	switch m := raw.(type) {
	case string:
		data = []byte(m)
	case []byte:
		data = m
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return n, fmt.Errorf("decodeNotification: %w", err)
		}
		data = b
	}

	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("decodeNotification: %w", err)
	}
	if !Terminal(n.Status) && n.Status != models.PaymentPending {
		return n, fmt.Errorf("decodeNotification: unknown status %q", n.Status)
	}
	return n, nil
}
