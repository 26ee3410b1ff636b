package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethwallet/service/lifecycle"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/wallet"
)

type fakeStream struct {
	msgs   chan natspkg.Message
	err    error
	filter chan *common.Address
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:   make(chan natspkg.Message, 4),
		filter: make(chan *common.Address, 1),
	}
}

func (f *fakeStream) Stream(ctx context.Context, addr *common.Address) (<-chan natspkg.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.filter <- addr
	out := make(chan natspkg.Message)
	go func() {
		defer close(out)
		for {
			select {
			case m := <-f.msgs:
				select {
				case out <- m:
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

type sseFrame struct {
	Event string
	Data  string
}

// readFrames parses SSE frames from body until n frames were read.
func readFrames(t *testing.T, sc *bufio.Scanner, n int) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	for len(frames) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Event != "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	require.Len(t, frames, n, "stream ended early")
	return frames
}

func openStream(t *testing.T, srv *httptest.Server, path string) (*bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body), cancel
}

func TestStreamRecords_NATS(t *testing.T) {
	// Setup
	stream := newFakeStream()
	env := newTestEnv(t, func(d *Deps) { d.Stream = stream })
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	// Act
	sc, cancel := openStream(t, srv, "/stream/records/"+testAccount.Hex())
	defer cancel()

	// Assert
	frames := readFrames(t, sc, 1)
	assert.Equal(t, "connected", frames[0].Event)
	assert.Contains(t, frames[0].Data, testAccount.Hex())

	filter := <-stream.filter
	require.NotNil(t, filter)
	assert.Equal(t, testAccount, *filter)

	stream.msgs <- natspkg.Message{
		Subject: natspkg.RecordSubject(testAccount),
		Type:    "record",
		Data:    []byte(`{"hash":"0xabc","status":"confirmed"}`),
	}
	frames = readFrames(t, sc, 1)
	assert.Equal(t, "record", frames[0].Event)
	assert.JSONEq(t, `{"hash":"0xabc","status":"confirmed"}`, frames[0].Data)
}

func TestStreamRecords_AllAccounts(t *testing.T) {
	stream := newFakeStream()
	env := newTestEnv(t, func(d *Deps) { d.Stream = stream })
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	sc, cancel := openStream(t, srv, "/stream/records")
	defer cancel()

	frames := readFrames(t, sc, 1)
	assert.Contains(t, frames[0].Data, "all accounts")
	assert.Nil(t, <-stream.filter)
}

func TestStreamRecords_SubscribeFailure(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("nats: no responders")
	env := newTestEnv(t, func(d *Deps) { d.Stream = stream })

	rec := env.do(t, http.MethodGet, "/stream/records", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStreamRecords_InvalidAddress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/stream/records/0xnothex", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamRecords_LocalFallback(t *testing.T) {
	// Setup
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	sc, cancel := openStream(t, srv, "/stream/records/"+testAccount.Hex())
	defer cancel()
	readFrames(t, sc, 1)
	require.Eventually(t, func() bool { return env.wallet.subscribers() == 1 }, time.Second, 10*time.Millisecond)

	// Act
	other := &wallet.TransactionRecord{Hash: common.HexToHash("0x01"), From: testRecipient, Status: wallet.StatusPending}
	mine := &wallet.TransactionRecord{
		Hash:     common.HexToHash("0x02"),
		From:     testAccount,
		To:       testRecipient,
		ValueWei: big.NewInt(2_000_000_000_000_000_000),
		Status:   wallet.StatusConfirmed,
	}
	env.wallet.emit(lifecycle.Event{Type: lifecycle.EventRecord, Record: other})
	env.wallet.emit(lifecycle.Event{Type: lifecycle.EventRecord, Record: mine})
	env.wallet.emit(lifecycle.Event{Type: lifecycle.EventSnapshot, Snapshot: &lifecycle.Snapshot{
		Address:    testAccount,
		BalanceWei: big.NewInt(1),
		Tokens:     []wallet.TokenBalance{},
	}})

	// Assert
	frames := readFrames(t, sc, 2)
	assert.Equal(t, "record", frames[0].Event)
	var ev natspkg.RecordEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &ev))
	assert.Equal(t, mine.Hash.Hex(), ev.Hash)
	assert.Equal(t, "2", ev.ValueEther)
	assert.Equal(t, "confirmed", ev.Status)

	assert.Equal(t, "balance", frames[1].Event)
	var bal natspkg.BalanceEvent
	require.NoError(t, json.Unmarshal([]byte(frames[1].Data), &bal))
	assert.Equal(t, "1", bal.BalanceWei)
}

func TestLocalFrame_Filters(t *testing.T) {
	rec := &wallet.TransactionRecord{From: testAccount}

	_, keep := localFrame(lifecycle.Event{Type: lifecycle.EventRecord, Record: rec}, nil)
	assert.True(t, keep)

	_, keep = localFrame(lifecycle.Event{Type: lifecycle.EventRecord, Record: rec}, &testRecipient)
	assert.False(t, keep)

	_, keep = localFrame(lifecycle.Event{Type: lifecycle.EventRecord}, nil)
	assert.False(t, keep)
}
