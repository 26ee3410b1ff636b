package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brojonat/ethwallet/service/lifecycle"
	"github.com/brojonat/ethwallet/service/metrics"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/wallet"
)

const (
	sseKeepalive     = 10 * time.Second
	localEventBuffer = 32
)

// sseEvent is one frame: the event name and its JSON payload.
type sseEvent struct {
	Type string
	Data []byte
}

// handleStreamRecords streams record and balance events as Server-Sent Events.
// Without an address path parameter every account is streamed. Events come from
// NATS when a stream is configured and from the in-process coordinator otherwise.
// GET /stream/records[/{address}]
func handleStreamRecords(stream EventStream, wl Wallet, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var filter *common.Address
		desc := "all accounts"
		if s := r.PathValue("address"); s != "" {
			addr, err := wallet.ParseAddress(s)
			if err != nil {
				writeWalletError(w, err, nil)
				return
			}
			filter = &addr
			desc = addr.Hex()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := openEvents(ctx, stream, wl, filter)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe", "account", desc, "error", err)
			writeError(w, "failed to subscribe", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		m.RecordSSEConnectionChange(desc, 1)
		defer m.RecordSSEConnectionChange(desc, -1)

		logger.DebugContext(ctx, "SSE client connected",
			"account", desc,
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"account\":%q}\n\n", desc)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case ev, ok := <-events:
				if !ok {
					logger.DebugContext(ctx, "event source closed", "account", desc)
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
				flusher.Flush()
				m.RecordSSEEventSent(desc, ev.Type)

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"account", desc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

func openEvents(ctx context.Context, stream EventStream, wl Wallet, filter *common.Address) (<-chan sseEvent, error) {
	if stream != nil {
		msgs, err := stream.Stream(ctx, filter)
		if err != nil {
			return nil, err
		}
		out := make(chan sseEvent)
		go func() {
			defer close(out)
			for msg := range msgs {
				select {
				case out <- sseEvent{Type: msg.Type, Data: msg.Data}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	sub, unsubscribe := wl.Subscribe(localEventBuffer)
	out := make(chan sseEvent)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				frame, keep := localFrame(ev, filter)
				if !keep {
					continue
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// localFrame renders a coordinator event with the same payload as its NATS
// counterpart.
func localFrame(ev lifecycle.Event, filter *common.Address) (sseEvent, bool) {
	var (
		owner   common.Address
		payload any
		typ     string
	)
	switch {
	case ev.Type == lifecycle.EventRecord && ev.Record != nil:
		owner = ev.Record.From
		payload, typ = natspkg.FromRecord(ev.Record), "record"
	case ev.Type == lifecycle.EventSnapshot && ev.Snapshot != nil:
		owner = ev.Snapshot.Address
		e := &natspkg.BalanceEvent{
			Address:     owner.Hex(),
			Tokens:      ev.Snapshot.Tokens,
			RefreshedAt: ev.Snapshot.RefreshedAt,
			PublishedAt: time.Now().UTC(),
		}
		if ev.Snapshot.BalanceWei != nil {
			e.BalanceWei = ev.Snapshot.BalanceWei.String()
			e.BalanceEther = wallet.FormatEther(ev.Snapshot.BalanceWei)
		}
		payload, typ = e, "balance"
	default:
		return sseEvent{}, false
	}

	if filter != nil && owner != *filter {
		return sseEvent{}, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return sseEvent{}, false
	}
	return sseEvent{Type: typ, Data: data}, true
}
