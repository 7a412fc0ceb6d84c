package redpacket

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/chaintest"
	"redPacketSync/internal/model"
)

const timeout = 2 * time.Second

var testAccount = common.HexToAddress("0x3333333333333333333333333333333333333333")

func newBackend(t *testing.T, chainID uint64) *chaintest.Backend {
	t.Helper()
	contractABI, err := ABI()
	require.NoError(t, err)
	return chaintest.NewBackend(contractABI, chainID)
}

func bindReadOnly(t *testing.T, backend *chaintest.Backend, opts Options) *Binding {
	t.Helper()
	b, err := Bind(context.Background(), testContract.Hex(), chain.NewReadOnlyConnection(backend), 1337, opts)
	require.NoError(t, err)
	return b
}

func bindSigner(t *testing.T, backend *chaintest.Backend) (*Binding, *chaintest.Wallet) {
	t.Helper()
	wallet := chaintest.NewWallet(backend, 1337, []common.Address{testAccount})
	conn, err := chain.NewConnector(wallet, nil, nil).ConnectWallet(context.Background())
	require.NoError(t, err)
	b, err := Bind(context.Background(), testContract.Hex(), conn, 1337, Options{})
	require.NoError(t, err)
	return b, wallet
}

func TestBindRejectsInvalidAddress(t *testing.T) {
	backend := newBackend(t, 1337)

	b, err := Bind(context.Background(), "not an address", chain.NewReadOnlyConnection(backend), 1337, Options{})
	require.Nil(t, b)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 0, backend.Calls(MethodCount))
}

func TestBindRejectsChainMismatch(t *testing.T) {
	backend := newBackend(t, 1)

	b, err := Bind(context.Background(), testContract.Hex(), chain.NewReadOnlyConnection(backend), 1337, Options{})
	require.Nil(t, b)
	var mismatch *model.ChainMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, uint64(1), mismatch.Actual)
	require.Equal(t, uint64(1337), mismatch.Expected)
}

func TestBindingReads(t *testing.T) {
	backend := newBackend(t, 1337)
	backend.Returns(MethodCount, big.NewInt(4))
	backend.Returns(MethodIsEqual, true)
	backend.Handle(MethodGrabbedRound, func(args []interface{}) ([]interface{}, error) {
		require.Equal(t, testAccount, args[0])
		return []interface{}{big.NewInt(9)}, nil
	})
	backend.Fails(MethodGetBalance, errors.New("boom"))

	b := bindReadOnly(t, backend, Options{})
	ctx := context.Background()

	count, err := b.ReadUint(ctx, MethodCount)
	require.NoError(t, err)
	require.Equal(t, "4", count.String())

	equal, err := b.ReadBool(ctx, MethodIsEqual)
	require.NoError(t, err)
	require.True(t, equal)

	grabbed, err := b.ReadUint(ctx, MethodGrabbedRound, testAccount)
	require.NoError(t, err)
	require.Equal(t, "9", grabbed.String())

	_, err = b.ReadUint(ctx, MethodGetBalance)
	var syncErr *model.SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, MethodGetBalance, syncErr.Op)
}

func TestBindingWriteRequiresSigner(t *testing.T) {
	b := bindReadOnly(t, newBackend(t, 1337), Options{})

	tx, err := b.Write(context.Background(), MethodGrab, nil)
	require.Nil(t, tx)
	require.ErrorIs(t, err, model.ErrReadOnlyConnection)
	require.Nil(t, b.Account())
}

func TestBindingWriteAndConfirm(t *testing.T) {
	backend := newBackend(t, 1337)
	b, wallet := bindSigner(t, backend)
	require.Equal(t, testAccount, *b.Account())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := b.Write(ctx, MethodCreate, big.NewInt(6), big.NewInt(6), true)
	require.NoError(t, err)

	receipt, err := b.WaitConfirmed(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	sent := wallet.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, testContract, sent[0].To)
	require.Equal(t, testAccount, sent[0].From)
	require.Equal(t, "6", sent[0].Value.String())
}

func TestBindingWaitConfirmedReplaysRevert(t *testing.T) {
	backend := newBackend(t, 1337)
	b, wallet := bindSigner(t, backend)
	wallet.ReceiptStatus = types.ReceiptStatusFailed
	backend.Fails(MethodGrab, errors.New("execution reverted: already grabbed"))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := b.Write(ctx, MethodGrab, nil)
	require.NoError(t, err)

	receipt, err := b.WaitConfirmed(ctx, tx)
	require.NotNil(t, receipt)
	require.ErrorContains(t, err, "already grabbed")
	require.Equal(t, 1, backend.Calls(MethodGrab))
}

func TestBindingWaitConfirmedWithoutReason(t *testing.T) {
	backend := newBackend(t, 1337)
	b, wallet := bindSigner(t, backend)
	wallet.ReceiptStatus = types.ReceiptStatusFailed
	backend.Returns(MethodGrab)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := b.Write(ctx, MethodGrab, nil)
	require.NoError(t, err)

	_, err = b.WaitConfirmed(ctx, tx)
	require.ErrorIs(t, err, ErrReverted)
}

func TestBindingQueryHistoryBatches(t *testing.T) {
	backend := newBackend(t, 1337)
	contractABI, err := ABI()
	require.NoError(t, err)
	for block := uint64(1); block <= 10; block++ {
		backend.AddLogs(chaintest.MustEventLog(contractABI, EventPacketGrabbed, testContract, block, 0,
			testSender, big.NewInt(int64(block)), big.NewInt(1)))
	}
	backend.AddLogs(chaintest.MustEventLog(contractABI, EventPacketCreated, testContract, 4, 1,
		testSender, big.NewInt(10), big.NewInt(2), false, big.NewInt(1)))

	b := bindReadOnly(t, backend, Options{BatchSize: 3})
	events, err := b.QueryHistory(context.Background(), EventPacketGrabbed, 2, 9)
	require.NoError(t, err)
	require.Len(t, events, 8)
	for i, ev := range events {
		require.Equal(t, uint64(i+2), ev.BlockNumber)
		require.Equal(t, model.EventGrabbed, ev.Kind)
		require.Equal(t, model.SourceBackfill, ev.Source)
	}

	head, err := b.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), head)
}

func TestBindingQueryHistoryFailure(t *testing.T) {
	backend := newBackend(t, 1337)
	backend.SetHead(5)
	backend.FailFilter(errors.New("filter unavailable"))

	b := bindReadOnly(t, backend, Options{Retry: chain.RetryConfig{MaxRetries: 1, Backoff: time.Millisecond}})
	_, err := b.QueryHistory(context.Background(), EventPacketCreated, 0, 5)
	var syncErr *model.SyncError
	require.ErrorAs(t, err, &syncErr)
}

func TestBindingSubscribeLive(t *testing.T) {
	backend := newBackend(t, 1337)
	contractABI, err := ABI()
	require.NoError(t, err)
	b := bindReadOnly(t, backend, Options{})

	sink := make(chan model.DistributionEvent, 4)
	sub, err := b.Subscribe(context.Background(), sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Equal(t, 1, backend.Emit(chaintest.MustEventLog(contractABI, EventPacketCreated, testContract, 3, 0,
		testSender, big.NewInt(100), big.NewInt(2), true, big.NewInt(1))))

	select {
	case ev := <-sink:
		require.Equal(t, model.EventCreated, ev.Kind)
		require.Equal(t, model.SourceLive, ev.Source)
	case <-time.After(timeout):
		t.Fatal("live event not delivered")
	}

	b.UnsubscribeAll()
	select {
	case <-sub.Err():
	case <-time.After(timeout):
		t.Fatal("subscription not closed")
	}
}

func TestBindingSubscribePollingFallback(t *testing.T) {
	backend := newBackend(t, 1337)
	backend.DisableNotifications()
	backend.SetHead(5)
	contractABI, err := ABI()
	require.NoError(t, err)

	old := chaintest.MustEventLog(contractABI, EventPacketGrabbed, testContract, 5, 0,
		testSender, big.NewInt(1), big.NewInt(1))
	backend.AddLogs(old)

	b := bindReadOnly(t, backend, Options{PollInterval: 5 * time.Millisecond})
	sink := make(chan model.DistributionEvent, 4)
	sub, err := b.Subscribe(context.Background(), sink)
	require.NoError(t, err)
	defer b.UnsubscribeAll()

	backend.AddLogs(chaintest.MustEventLog(contractABI, EventPacketGrabbed, testContract, 6, 0,
		testSender, big.NewInt(2), big.NewInt(1)))

	select {
	case ev := <-sink:
		require.Equal(t, uint64(6), ev.BlockNumber)
		require.Equal(t, "2", ev.AmountWei.String())
	case err := <-sub.Err():
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(timeout):
		t.Fatal("polled event not delivered")
	}
}
