package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/ethwallet/service/metrics"
	"github.com/brojonat/ethwallet/service/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// track times a query; the returned func records the outcome held in *err.
func (s *Store) track(op, table string) func(*error) {
	start := time.Now()
	return func(err *error) {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), *err)
	}
}

const recordColumns = `hash, from_address, to_address, value_wei, nonce, gas_limit,
	max_fee_per_gas, max_priority_fee_per_gas, kind, status, replaces, superseded_by,
	block_number, block_time, confirmations, error, created_at, updated_at`

// SaveRecord inserts the record or overwrites the stored copy with the same hash.
func (s *Store) SaveRecord(ctx context.Context, rec *wallet.TransactionRecord) (err error) {
	defer s.track("save_record", "transaction_records")(&err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transaction_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (hash) DO UPDATE SET
			status        = EXCLUDED.status,
			replaces      = EXCLUDED.replaces,
			superseded_by = EXCLUDED.superseded_by,
			block_number  = EXCLUDED.block_number,
			block_time    = EXCLUDED.block_time,
			confirmations = EXCLUDED.confirmations,
			error         = EXCLUDED.error,
			updated_at    = EXCLUDED.updated_at`,
		hashKey(rec.Hash),
		addressKey(rec.From),
		addressKey(rec.To),
		numericFromBig(rec.ValueWei),
		int64(rec.Nonce),
		int64(rec.Fees.GasLimit),
		numericFromBig(rec.Fees.MaxFeePerGas),
		numericFromBig(rec.Fees.MaxPriorityFeePerGas),
		string(rec.Kind),
		string(rec.Status),
		pgtextFromHashPtr(rec.Replaces),
		pgtextFromHashPtr(rec.SupersededBy),
		pgint8FromUint64Ptr(rec.BlockNumber),
		pgTimestamptzFromPtr(rec.Timestamp),
		int64(rec.Confirmations),
		rec.Error,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Hash.Hex(), err)
	}
	return nil
}

// GetRecord returns wallet.ErrRecordNotFound when hash is unknown.
func (s *Store) GetRecord(ctx context.Context, hash common.Hash) (rec *wallet.TransactionRecord, err error) {
	defer s.track("get_record", "transaction_records")(&err)

	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM transaction_records WHERE hash = $1`,
		hashKey(hash))
	rec, err = scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", wallet.ErrRecordNotFound, hash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", hash.Hex(), err)
	}
	return rec, nil
}

// ListRecords returns records matching filter, newest first.
func (s *Store) ListRecords(ctx context.Context, filter wallet.RecordFilter) (recs []*wallet.TransactionRecord, err error) {
	defer s.track("list_records", "transaction_records")(&err)

	var (
		where []string
		args  []any
	)
	if filter.From != nil {
		args = append(args, addressKey(*filter.From))
		where = append(where, fmt.Sprintf("from_address = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + recordColumns + ` FROM transaction_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, nonce DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	recs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*wallet.TransactionRecord, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// ListOpenRecords returns every record that may still be mined, oldest first.
func (s *Store) ListOpenRecords(ctx context.Context) (recs []*wallet.TransactionRecord, err error) {
	defer s.track("list_open_records", "transaction_records")(&err)

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM transaction_records
		 WHERE status = $1 ORDER BY from_address, nonce, created_at`,
		string(wallet.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list open records: %w", err)
	}
	recs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*wallet.TransactionRecord, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list open records: %w", err)
	}
	return recs, nil
}

// LoadNonce returns the persisted next nonce of addr.
func (s *Store) LoadNonce(ctx context.Context, addr common.Address) (next uint64, ok bool, err error) {
	defer s.track("load_nonce", "account_nonces")(&err)

	var n int64
	err = s.pool.QueryRow(ctx,
		`SELECT next_nonce FROM account_nonces WHERE address = $1`,
		addressKey(addr)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load nonce %s: %w", addr.Hex(), err)
	}
	return uint64(n), true, nil
}

// SaveNonce stores next for addr. A lower value never overwrites a higher one.
func (s *Store) SaveNonce(ctx context.Context, addr common.Address, next uint64) (err error) {
	defer s.track("save_nonce", "account_nonces")(&err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO account_nonces (address, next_nonce, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (address) DO UPDATE SET
			next_nonce = GREATEST(account_nonces.next_nonce, EXCLUDED.next_nonce),
			updated_at = now()`,
		addressKey(addr), int64(next))
	if err != nil {
		return fmt.Errorf("save nonce %s: %w", addr.Hex(), err)
	}
	return nil
}

// ReplaceTokenBalances swaps the stored ledger of addr for balances in one transaction.
func (s *Store) ReplaceTokenBalances(ctx context.Context, addr common.Address, balances []wallet.TokenBalance, at time.Time) (err error) {
	defer s.track("replace_token_balances", "token_balances")(&err)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM token_balances WHERE address = $1`, addressKey(addr)); err != nil {
			return err
		}
		for _, b := range balances {
			_, err := tx.Exec(ctx, `
				INSERT INTO token_balances (address, token_contract, symbol, name, decimals, net_raw, refreshed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				addressKey(addr),
				strings.ToLower(b.TokenContract),
				b.Symbol,
				b.Name,
				int16(b.Decimals),
				numericFromBig(b.NetRaw),
				at,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace token balances %s: %w", addr.Hex(), err)
	}
	return nil
}

// ListTokenBalances returns the stored ledger of addr ordered by contract.
func (s *Store) ListTokenBalances(ctx context.Context, addr common.Address) (balances []wallet.TokenBalance, err error) {
	defer s.track("list_token_balances", "token_balances")(&err)

	rows, err := s.pool.Query(ctx, `
		SELECT token_contract, symbol, name, decimals, net_raw
		FROM token_balances WHERE address = $1 ORDER BY token_contract`,
		addressKey(addr))
	if err != nil {
		return nil, fmt.Errorf("list token balances: %w", err)
	}
	balances, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (wallet.TokenBalance, error) {
		var (
			b        wallet.TokenBalance
			decimals int16
			raw      pgtype.Numeric
		)
		if err := row.Scan(&b.TokenContract, &b.Symbol, &b.Name, &decimals, &raw); err != nil {
			return b, err
		}
		b.Decimals = uint8(decimals)
		b.NetRaw = bigFromNumeric(raw)
		b.NetBalance = wallet.ToDecimal(b.NetRaw, int32(b.Decimals))
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list token balances: %w", err)
	}
	return balances, nil
}

func scanRecord(row pgx.Row) (*wallet.TransactionRecord, error) {
	var (
		hash, from, to       string
		value, maxFee, tip   pgtype.Numeric
		nonce, gasLimit      int64
		kind, status         string
		replaces, superseded pgtype.Text
		blockNumber          pgtype.Int8
		blockTime            pgtype.Timestamptz
		confirmations        int64
		rec                  wallet.TransactionRecord
	)
	err := row.Scan(
		&hash, &from, &to, &value, &nonce, &gasLimit,
		&maxFee, &tip, &kind, &status, &replaces, &superseded,
		&blockNumber, &blockTime, &confirmations, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Hash = common.HexToHash(hash)
	rec.From = common.HexToAddress(from)
	rec.To = common.HexToAddress(to)
	rec.ValueWei = bigFromNumeric(value)
	rec.Nonce = uint64(nonce)
	rec.Fees = wallet.FeeParams{
		GasLimit:             uint64(gasLimit),
		MaxFeePerGas:         bigFromNumeric(maxFee),
		MaxPriorityFeePerGas: bigFromNumeric(tip),
	}
	rec.Kind = wallet.RecordKind(kind)
	rec.Status = wallet.Status(status)
	rec.Replaces = hashPtrFromPgtext(replaces)
	rec.SupersededBy = hashPtrFromPgtext(superseded)
	rec.BlockNumber = uint64PtrFromPgint8(blockNumber)
	rec.Timestamp = timePtrFromPgTimestamptz(blockTime)
	rec.Confirmations = uint64(confirmations)
	return &rec, nil
}

// Addresses and hashes are stored lower-cased so lookups ignore checksum casing.

func addressKey(a common.Address) string { return strings.ToLower(a.Hex()) }

func hashKey(h common.Hash) string { return h.Hex() }

func numericFromBig(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{Int: new(big.Int), Valid: true}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

// bigFromNumeric folds the decimal exponent back into the integer.
func bigFromNumeric(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return new(big.Int)
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil))
	}
	return v
}

func pgtextFromHashPtr(h *common.Hash) pgtype.Text {
	if h == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: hashKey(*h), Valid: true}
}

func hashPtrFromPgtext(t pgtype.Text) *common.Hash {
	if !t.Valid {
		return nil
	}
	h := common.HexToHash(t.String)
	return &h
}

func pgint8FromUint64Ptr(v *uint64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*v), Valid: true}
}

func uint64PtrFromPgint8(v pgtype.Int8) *uint64 {
	if !v.Valid {
		return nil
	}
	n := uint64(v.Int64)
	return &n
}

func pgTimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
