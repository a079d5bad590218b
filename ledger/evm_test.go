package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000c3a71")

type fakeBackend struct {
	mu       sync.Mutex
	verified map[string]bool
	certs    map[string]Certificate
	callErr  error
	receipts map[common.Hash]*gethtypes.Receipt
	pending  map[common.Hash]bool
	logs     []gethtypes.Log
	queries  []ethereum.FilterQuery
	sent     []*gethtypes.Transaction
	closed   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		verified: make(map[string]bool),
		certs:    make(map[string]Certificate),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		pending:  make(map[common.Hash]bool),
	}
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := registry.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := args[0].(string)
	switch method.Name {
	case "isVerified":
		return method.Outputs.Pack(f.verified[id])
	case "getCertificate":
		c, ok := f.certs[id]
		if !ok {
			return nil, errors.New("execution reverted: certificate does not exist")
		}
		return method.Outputs.Pack(c.UID, c.CandidateName, c.CourseName, c.OrgName, c.ContentHash, big.NewInt(c.Timestamp.Unix()), c.Revoked)
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[hash] {
		return gethtypes.NewTx(&gethtypes.LegacyTx{}), true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.logs, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return 0, f.callErr
	}
	return 100, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func newTestEVM(t *testing.T, backend Backend, mutate func(*Config)) *EVM {
	t.Helper()
	cfg := Config{Contract: testContract, CallTimeout: time.Second, SubmitTimeout: time.Second, ReceiptPoll: 10 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEVM(cfg, backend)
	if err != nil {
		t.Fatalf("new evm: %v", err)
	}
	return e
}

func TestIsVerified(t *testing.T) {
	backend := newFakeBackend()
	backend.verified["abc"] = true
	e := newTestEVM(t, backend, nil)

	ok, err := e.IsVerified(context.Background(), "abc")
	if err != nil || !ok {
		t.Fatalf("expected verified, got %v %v", ok, err)
	}
	ok, err = e.IsVerified(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected not verified, got %v %v", ok, err)
	}
}

func TestIsVerifiedPropagatesTransportErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.callErr = errors.New("dial tcp: connection refused")
	e := newTestEVM(t, backend, nil)
	if _, err := e.IsVerified(context.Background(), "abc"); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestGetCertificate(t *testing.T) {
	backend := newFakeBackend()
	issued := time.Unix(1_700_000_000, 0).UTC()
	backend.certs["abc"] = Certificate{UID: "u1", CandidateName: "Ada", CourseName: "Go", OrgName: "Org", ContentHash: "QmHash", Timestamp: issued, Revoked: true}
	e := newTestEVM(t, backend, nil)

	cert, err := e.GetCertificate(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if cert.UID != "u1" || cert.ContentHash != "QmHash" || !cert.Revoked || !cert.Timestamp.Equal(issued) {
		t.Fatalf("unexpected certificate: %+v", cert)
	}
	if _, err := e.GetCertificate(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTxStatus(t *testing.T) {
	backend := newFakeBackend()
	mined := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	pending := common.HexToHash("0x03")
	backend.receipts[mined] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}
	backend.receipts[reverted] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}
	backend.pending[pending] = true
	e := newTestEVM(t, backend, nil)

	cases := []struct {
		hash  common.Hash
		state TxState
		block uint64
	}{
		{mined, TxSuccess, 9},
		{reverted, TxReverted, 10},
		{pending, TxPending, 0},
		{common.HexToHash("0x04"), TxUnknown, 0},
	}
	for _, tc := range cases {
		status, err := e.TxStatus(context.Background(), tc.hash.Hex())
		if err != nil {
			t.Fatalf("tx status %s: %v", tc.hash.Hex(), err)
		}
		if status.State != tc.state || status.BlockNumber != tc.block {
			t.Fatalf("%s: expected %s/%d, got %s/%d", tc.hash.Hex(), tc.state, tc.block, status.State, status.BlockNumber)
		}
	}
	if _, err := e.TxStatus(context.Background(), "not-a-hash"); err == nil {
		t.Fatalf("expected malformed hash error")
	}
}

func TestFindSubmissionUsesLatestLog(t *testing.T) {
	backend := newFakeBackend()
	backend.logs = []gethtypes.Log{
		{TxHash: common.HexToHash("0xaa"), BlockNumber: 5},
		{TxHash: common.HexToHash("0xbb"), BlockNumber: 7},
		{TxHash: common.HexToHash("0xcc"), BlockNumber: 8, Removed: true},
	}
	e := newTestEVM(t, backend, func(c *Config) { c.DeployBlock = 3 })

	sub, found, err := e.FindSubmission(context.Background(), "abc")
	if err != nil || !found {
		t.Fatalf("expected submission, got %v %v", found, err)
	}
	if sub.TxHash != common.HexToHash("0xbb").Hex() || sub.BlockNumber != 7 {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	q := backend.queries[0]
	if q.FromBlock.Uint64() != 3 || q.Topics[0][0] != generatedTopic() || q.Topics[1][0] != idTopic("abc") {
		t.Fatalf("unexpected filter query: %+v", q)
	}
}

func TestSubmitSignsForChain(t *testing.T) {
	backend := newFakeBackend()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := newTestEVM(t, backend, func(c *Config) { c.Signer = key })

	sub, err := e.Submit(context.Background(), SubmitRequest{CertificateID: "abc", UID: "u1", CandidateName: "Ada", CourseName: "Go", OrgName: "Org", ContentHash: "QmHash"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.BlockNumber != 42 {
		t.Fatalf("expected mined block 42, got %d", sub.BlockNumber)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash().Hex() != sub.TxHash {
		t.Fatalf("submission hash mismatch")
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != gethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected sender %s", sender.Hex())
	}
	if tx.Gas() != 120_000 {
		t.Fatalf("expected buffered gas, got %d", tx.Gas())
	}
	method, err := registry.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "generateCertificate" {
		t.Fatalf("unexpected call data: %v", err)
	}
}

func TestSubmitWithoutSigner(t *testing.T) {
	e := newTestEVM(t, newFakeBackend(), nil)
	if _, err := e.Submit(context.Background(), SubmitRequest{CertificateID: "abc"}); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestHealthAndReconnect(t *testing.T) {
	first := newFakeBackend()
	second := newFakeBackend()
	dials := 0
	e := newTestEVM(t, nil, func(c *Config) {
		c.Dial = func(context.Context, string) (Backend, error) {
			dials++
			if dials == 1 {
				return first, nil
			}
			return second, nil
		}
	})
	if err := e.Healthy(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := e.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := e.Healthy(context.Background()); err != nil {
		t.Fatalf("healthy: %v", err)
	}
	if err := e.Reconnect(context.Background()); err != nil {
		t.Fatalf("second reconnect: %v", err)
	}
	if !first.closed {
		t.Fatalf("expected previous backend to be closed")
	}
	e.Close()
	if !second.closed {
		t.Fatalf("expected backend closed on Close")
	}
}

func TestIsReverted(t *testing.T) {
	if !IsReverted(errors.New("Execution reverted: nope")) {
		t.Fatalf("expected raw revert to be detected")
	}
	if IsReverted(errors.New("timeout")) || IsReverted(nil) {
		t.Fatalf("unexpected revert detection")
	}
}
