package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// Backend is the subset of the Ethereum RPC used by the registry client.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer opens a Backend for an RPC endpoint.
type Dialer func(ctx context.Context, endpoint string) (Backend, error)

// DialEVM opens an ethclient connection to endpoint.
func DialEVM(ctx context.Context, endpoint string) (Backend, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Observer receives per-call latency and outcome.
type Observer interface {
	ObserveLedgerCall(method string, elapsed time.Duration, err error)
}

// Config configures an EVM registry client.
type Config struct {
	Endpoint          string
	Contract          common.Address
	ChainID           *big.Int
	Signer            *ecdsa.PrivateKey
	DeployBlock       uint64
	CallTimeout       time.Duration
	SubmitTimeout     time.Duration
	ReceiptPoll       time.Duration
	RequestsPerSecond float64
	GasBufferPercent  uint64
	Logger            *slog.Logger
	Observer          Observer
	Dial              Dialer
}

// EVM is a registry client backed by an Ethereum JSON-RPC endpoint. It is
// safe for concurrent use; submissions are serialised to keep nonces ordered.
type EVM struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	backend Backend
	chainID *big.Int

	submitMu sync.Mutex
}

// NewEVM constructs a client. When backend is nil the client starts
// disconnected and Reconnect must be called before use.
func NewEVM(cfg Config, backend Backend) (*EVM, error) {
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("ledger: contract address required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.GasBufferPercent == 0 {
		cfg.GasBufferPercent = 20
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEVM
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	e := &EVM{
		cfg:     cfg,
		logger:  logger.With("component", "ledger"),
		limiter: rate.NewLimiter(limit, burst),
		backend: backend,
	}
	if cfg.ChainID != nil {
		e.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return e, nil
}

// Dial constructs a client and connects it to cfg.Endpoint.
func Dial(ctx context.Context, cfg Config) (*EVM, error) {
	e, err := NewEVM(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Reconnect(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *EVM) client() (Backend, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.backend == nil {
		return nil, ErrNotConnected
	}
	return e.backend, nil
}

// Reconnect replaces the current RPC connection with a fresh one.
func (e *EVM) Reconnect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	backend, err := e.cfg.Dial(dialCtx, e.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("ledger: dial: %w", err)
	}
	e.mu.Lock()
	old := e.backend
	e.backend = backend
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	e.logger.Info("ledger connection established", "endpoint", e.cfg.Endpoint)
	return nil
}

// Close releases the RPC connection.
func (e *EVM) Close() {
	e.mu.Lock()
	old := e.backend
	e.backend = nil
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Healthy checks that the node answers a cheap head query.
func (e *EVM) Healthy(ctx context.Context) error {
	return e.do(ctx, "blockNumber", e.cfg.CallTimeout, func(ctx context.Context, b Backend) error {
		_, err := b.BlockNumber(ctx)
		return err
	})
}

// IsVerified reports whether the registry considers the certificate anchored.
func (e *EVM) IsVerified(ctx context.Context, certificateID string) (bool, error) {
	var verified bool
	err := e.do(ctx, "isVerified", e.cfg.CallTimeout, func(ctx context.Context, b Backend) error {
		out, err := e.call(ctx, b, "isVerified", certificateID)
		if err != nil {
			return err
		}
		if len(out) != 1 {
			return fmt.Errorf("ledger: isVerified returned %d values", len(out))
		}
		v, ok := out[0].(bool)
		if !ok {
			return fmt.Errorf("ledger: isVerified returned %T", out[0])
		}
		verified = v
		return nil
	})
	if err != nil && IsReverted(err) {
		return false, nil
	}
	return verified, err
}

// GetCertificate reads the anchored certificate details.
func (e *EVM) GetCertificate(ctx context.Context, certificateID string) (*Certificate, error) {
	var cert *Certificate
	err := e.do(ctx, "getCertificate", e.cfg.CallTimeout, func(ctx context.Context, b Backend) error {
		out, err := e.call(ctx, b, "getCertificate", certificateID)
		if err != nil {
			return err
		}
		decoded, err := decodeCertificate(out)
		if err != nil {
			return err
		}
		cert = decoded
		return nil
	})
	if err != nil {
		if IsReverted(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if cert.UID == "" && cert.ContentHash == "" {
		return nil, ErrNotFound
	}
	return cert, nil
}

func decodeCertificate(out []interface{}) (*Certificate, error) {
	if len(out) != 7 {
		return nil, fmt.Errorf("ledger: getCertificate returned %d values", len(out))
	}
	strs := make([]string, 5)
	for i := range strs {
		s, ok := out[i].(string)
		if !ok {
			return nil, fmt.Errorf("ledger: getCertificate field %d is %T", i, out[i])
		}
		strs[i] = s
	}
	ts, ok := out[5].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: getCertificate timestamp is %T", out[5])
	}
	revoked, ok := out[6].(bool)
	if !ok {
		return nil, fmt.Errorf("ledger: getCertificate revoked is %T", out[6])
	}
	cert := &Certificate{
		UID:           strs[0],
		CandidateName: strs[1],
		CourseName:    strs[2],
		OrgName:       strs[3],
		ContentHash:   strs[4],
		Revoked:       revoked,
	}
	if ts.IsInt64() && ts.Sign() > 0 {
		cert.Timestamp = time.Unix(ts.Int64(), 0).UTC()
	}
	return cert, nil
}

// TxStatus classifies the receipt for txHash.
func (e *EVM) TxStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if !isTxHash(txHash) {
		return TxStatus{}, fmt.Errorf("ledger: malformed tx hash %q", txHash)
	}
	hash := common.HexToHash(txHash)
	var status TxStatus
	err := e.do(ctx, "transactionReceipt", e.cfg.CallTimeout, func(ctx context.Context, b Backend) error {
		receipt, err := b.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			status = receiptStatus(receipt)
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return err
		}
		_, pending, err := b.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			status = TxStatus{State: TxUnknown}
			return nil
		case err != nil:
			return err
		case pending:
			status = TxStatus{State: TxPending}
		default:
			// Known and not pending, but the receipt is not indexed yet.
			status = TxStatus{State: TxPending}
		}
		return nil
	})
	return status, err
}

func receiptStatus(receipt *gethtypes.Receipt) TxStatus {
	out := TxStatus{State: TxReverted}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		out.State = TxSuccess
	}
	if receipt.BlockNumber != nil && receipt.BlockNumber.IsUint64() {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out
}

// FindSubmission looks up the most recent CertificateGenerated event for the
// id. found is false when no event exists.
func (e *EVM) FindSubmission(ctx context.Context, certificateID string) (Submission, bool, error) {
	var (
		sub   Submission
		found bool
	)
	err := e.do(ctx, "filterLogs", e.cfg.CallTimeout, func(ctx context.Context, b Backend) error {
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(e.cfg.DeployBlock),
			Addresses: []common.Address{e.cfg.Contract},
			Topics:    [][]common.Hash{{generatedTopic()}, {idTopic(certificateID)}},
		}
		logs, err := b.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		for i := len(logs) - 1; i >= 0; i-- {
			if logs[i].Removed {
				continue
			}
			sub = Submission{TxHash: logs[i].TxHash.Hex(), BlockNumber: logs[i].BlockNumber}
			found = true
			return nil
		}
		return nil
	})
	return sub, found, err
}

// Submit signs and sends generateCertificate, then waits up to the submit
// timeout for the receipt. A transaction that is still unmined when the wait
// ends is returned with BlockNumber zero and no error.
func (e *EVM) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if e.cfg.Signer == nil {
		return Submission{}, ErrNoSigner
	}
	data, err := registry.Pack("generateCertificate",
		req.CertificateID, req.UID, req.CandidateName, req.CourseName, req.OrgName, req.ContentHash)
	if err != nil {
		return Submission{}, fmt.Errorf("ledger: pack generateCertificate: %w", err)
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	from := gethcrypto.PubkeyToAddress(e.cfg.Signer.PublicKey)
	var signed *gethtypes.Transaction
	err = e.do(ctx, "sendTransaction", e.cfg.CallTimeout, func(ctx context.Context, b Backend) error {
		chainID, err := e.resolveChainID(ctx, b)
		if err != nil {
			return err
		}
		nonce, err := b.PendingNonceAt(ctx, from)
		if err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
		gasPrice, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		msg := ethereum.CallMsg{From: from, To: &e.cfg.Contract, GasPrice: gasPrice, Data: data}
		gas, err := b.EstimateGas(ctx, msg)
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		gas += gas * e.cfg.GasBufferPercent / 100
		tx := gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &e.cfg.Contract,
			Value:    big.NewInt(0),
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err = gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), e.cfg.Signer)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		return b.SendTransaction(ctx, signed)
	})
	if err != nil {
		if IsReverted(err) {
			return Submission{}, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return Submission{}, err
	}
	sub := Submission{TxHash: signed.Hash().Hex()}
	e.logger.Info("certificate submitted", "certificate_id", req.CertificateID, "tx", sub.TxHash)

	status, err := e.waitReceipt(ctx, sub.TxHash)
	if err != nil {
		e.logger.Warn("receipt wait ended without result", "tx", sub.TxHash, "error", err)
		return sub, nil
	}
	sub.BlockNumber = status.BlockNumber
	if status.State == TxReverted {
		return sub, fmt.Errorf("%w: tx %s", ErrReverted, sub.TxHash)
	}
	return sub, nil
}

func (e *EVM) waitReceipt(ctx context.Context, txHash string) (TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	ticker := time.NewTicker(e.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		status, err := e.TxStatus(ctx, txHash)
		if err == nil && (status.State == TxSuccess || status.State == TxReverted) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return TxStatus{State: TxPending}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *EVM) resolveChainID(ctx context.Context, b Backend) (*big.Int, error) {
	e.mu.RLock()
	cached := e.chainID
	e.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	id, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	e.mu.Lock()
	e.chainID = id
	e.mu.Unlock()
	return id, nil
}

func (e *EVM) call(ctx context.Context, b Backend, method string, args ...interface{}) ([]interface{}, error) {
	data, err := registry.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	raw, err := b.CallContract(ctx, ethereum.CallMsg{To: &e.cfg.Contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty return from %s", ErrReverted, method)
	}
	out, err := registry.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return out, nil
}

// do applies rate limiting, the per-call timeout, tracing and observation.
func (e *EVM) do(ctx context.Context, method string, timeout time.Duration, fn func(context.Context, Backend) error) error {
	ctx, span := otel.Tracer("certchain/ledger").Start(ctx, "ledger."+method)
	defer span.End()
	span.SetAttributes(attribute.String("ledger.method", method))

	start := time.Now()
	err := e.run(ctx, timeout, fn)
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveLedgerCall(method, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *EVM) run(ctx context.Context, timeout time.Duration, fn func(context.Context, Backend) error) error {
	b, err := e.client()
	if err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger: rate limit: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx, b)
}

func isTxHash(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	s = s[2:]
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
