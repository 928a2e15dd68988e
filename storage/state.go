package storage

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendex/crypto"
	"lendex/native/lending"
)

var (
	marketPrefix  = []byte("lending/market:")
	marketListKey = ethcrypto.Keccak256([]byte("lending/market-list"))
	supplyPrefix  = []byte("lending/supply:")
	borrowPrefix  = []byte("lending/borrow:")
	balancePrefix = []byte("balance:")
)

func marketKey(symbol string) []byte {
	buf := make([]byte, len(marketPrefix)+len(symbol))
	copy(buf, marketPrefix)
	copy(buf[len(marketPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func positionKey(prefix []byte, symbol string, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, len(prefix)+len(symbol)+1+len(raw))
	copy(buf, prefix)
	copy(buf[len(prefix):], symbol)
	buf[len(prefix)+len(symbol)] = ':'
	copy(buf[len(prefix)+len(symbol)+1:], raw)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(symbol string, addr crypto.Address) []byte {
	return positionKey(balancePrefix, symbol, addr)
}

// marketRecord is the persisted form of a lending market. Timestamps are
// stored unsigned because RLP has no signed integer encoding.
type marketRecord struct {
	Symbol              string
	CollateralFactorBps uint64
	ReserveFactorBps    uint64
	TotalSupplied       *big.Int
	TotalBorrowed       *big.Int
	Reserves            *big.Int
	SupplyIndex         *big.Int
	BorrowIndex         *big.Int
	BorrowRateRay       *big.Int
	SupplyRateRay       *big.Int
	LastAccrualTime     uint64
}

type supplyRecord struct {
	Balance       *big.Int
	InterestIndex *big.Int
}

type borrowRecord struct {
	Balance        *big.Int
	InterestIndex  *big.Int
	LastUpdateTime uint64
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func marketToRecord(m *lending.Market) *marketRecord {
	record := &marketRecord{
		Symbol:              m.Symbol,
		CollateralFactorBps: m.CollateralFactorBps,
		ReserveFactorBps:    m.ReserveFactorBps,
		TotalSupplied:       bigOrZero(m.TotalSupplied),
		TotalBorrowed:       bigOrZero(m.TotalBorrowed),
		Reserves:            bigOrZero(m.Reserves),
		SupplyIndex:         bigOrZero(m.SupplyIndex),
		BorrowIndex:         bigOrZero(m.BorrowIndex),
		BorrowRateRay:       bigOrZero(m.BorrowRateRay),
		SupplyRateRay:       bigOrZero(m.SupplyRateRay),
	}
	if m.LastAccrualTime > 0 {
		record.LastAccrualTime = uint64(m.LastAccrualTime)
	}
	return record
}

func recordToMarket(record *marketRecord) *lending.Market {
	return &lending.Market{
		Symbol:              record.Symbol,
		CollateralFactorBps: record.CollateralFactorBps,
		ReserveFactorBps:    record.ReserveFactorBps,
		TotalSupplied:       bigOrZero(record.TotalSupplied),
		TotalBorrowed:       bigOrZero(record.TotalBorrowed),
		Reserves:            bigOrZero(record.Reserves),
		SupplyIndex:         bigOrZero(record.SupplyIndex),
		BorrowIndex:         bigOrZero(record.BorrowIndex),
		BorrowRateRay:       bigOrZero(record.BorrowRateRay),
		SupplyRateRay:       bigOrZero(record.SupplyRateRay),
		LastAccrualTime:     int64(record.LastAccrualTime),
	}
}

// keyValueView abstracts direct database access and the transaction overlay.
// load returns nil without an error for keys that have never been written.
type keyValueView interface {
	load(key []byte) ([]byte, error)
	store(key []byte, value []byte) error
}

func loadMarket(view keyValueView, symbol string) (*lending.Market, error) {
	data, err := view.load(marketKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	record := new(marketRecord)
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, fmt.Errorf("storage: decode market %s: %w", symbol, err)
	}
	return recordToMarket(record), nil
}

func storeMarket(view keyValueView, market *lending.Market) error {
	if market == nil || market.Symbol == "" {
		return fmt.Errorf("storage: market requires a symbol")
	}
	encoded, err := rlp.EncodeToBytes(marketToRecord(market))
	if err != nil {
		return fmt.Errorf("storage: encode market %s: %w", market.Symbol, err)
	}
	if err := view.store(marketKey(market.Symbol), encoded); err != nil {
		return err
	}
	return indexMarketSymbol(view, market.Symbol)
}

func loadMarketSymbols(view keyValueView) ([]string, error) {
	data, err := view.load(marketListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, fmt.Errorf("storage: decode market list: %w", err)
	}
	return list, nil
}

func indexMarketSymbol(view keyValueView, symbol string) error {
	list, err := loadMarketSymbols(view)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == symbol {
			return nil
		}
	}
	list = append(list, symbol)
	sort.Strings(list)
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return fmt.Errorf("storage: encode market list: %w", err)
	}
	return view.store(marketListKey, encoded)
}

func loadSupply(view keyValueView, symbol string, addr crypto.Address) (*lending.SupplyPosition, error) {
	data, err := view.load(positionKey(supplyPrefix, symbol, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	record := new(supplyRecord)
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, fmt.Errorf("storage: decode supply position %s: %w", symbol, err)
	}
	return &lending.SupplyPosition{
		Balance:       bigOrZero(record.Balance),
		InterestIndex: bigOrZero(record.InterestIndex),
	}, nil
}

func storeSupply(view keyValueView, symbol string, addr crypto.Address, pos *lending.SupplyPosition) error {
	if pos == nil {
		return fmt.Errorf("storage: nil supply position")
	}
	encoded, err := rlp.EncodeToBytes(&supplyRecord{
		Balance:       bigOrZero(pos.Balance),
		InterestIndex: bigOrZero(pos.InterestIndex),
	})
	if err != nil {
		return fmt.Errorf("storage: encode supply position %s: %w", symbol, err)
	}
	return view.store(positionKey(supplyPrefix, symbol, addr), encoded)
}

func loadBorrow(view keyValueView, symbol string, addr crypto.Address) (*lending.BorrowPosition, error) {
	data, err := view.load(positionKey(borrowPrefix, symbol, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	record := new(borrowRecord)
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, fmt.Errorf("storage: decode borrow position %s: %w", symbol, err)
	}
	return &lending.BorrowPosition{
		Balance:        bigOrZero(record.Balance),
		InterestIndex:  bigOrZero(record.InterestIndex),
		LastUpdateTime: int64(record.LastUpdateTime),
	}, nil
}

func storeBorrow(view keyValueView, symbol string, addr crypto.Address, pos *lending.BorrowPosition) error {
	if pos == nil {
		return fmt.Errorf("storage: nil borrow position")
	}
	record := &borrowRecord{
		Balance:       bigOrZero(pos.Balance),
		InterestIndex: bigOrZero(pos.InterestIndex),
	}
	if pos.LastUpdateTime > 0 {
		record.LastUpdateTime = uint64(pos.LastUpdateTime)
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("storage: encode borrow position %s: %w", symbol, err)
	}
	return view.store(positionKey(borrowPrefix, symbol, addr), encoded)
}

func loadBalance(view keyValueView, symbol string, addr crypto.Address) (*big.Int, error) {
	data, err := view.load(balanceKey(symbol, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("storage: decode balance %s: %w", symbol, err)
	}
	return amount, nil
}

func storeBalance(view keyValueView, symbol string, addr crypto.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("storage: negative balance for %s", symbol)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("storage: balance overflow for %s", symbol)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("storage: encode balance %s: %w", symbol, err)
	}
	return view.store(balanceKey(symbol, addr), encoded)
}

// State provides typed access to the ledger records stored in a Database.
// Reads outside a transaction observe the last committed values; all writes
// happen through a Txn so a failed operation never leaves partial state.
type State struct {
	db Database
}

// NewState wraps a database in the typed state layer.
func NewState(db Database) *State {
	return &State{db: db}
}

func (s *State) load(key []byte) ([]byte, error) {
	value, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (s *State) store(key []byte, value []byte) error {
	return s.db.Put(key, value)
}

// GetMarket returns the stored market record, or nil when unlisted.
func (s *State) GetMarket(symbol string) (*lending.Market, error) {
	return loadMarket(s, symbol)
}

// MarketSymbols returns the sorted symbols of all listed markets.
func (s *State) MarketSymbols() ([]string, error) {
	return loadMarketSymbols(s)
}

// GetSupplyPosition returns the stored supply position, or nil when absent.
func (s *State) GetSupplyPosition(symbol string, addr crypto.Address) (*lending.SupplyPosition, error) {
	return loadSupply(s, symbol, addr)
}

// GetBorrowPosition returns the stored borrow position, or nil when absent.
func (s *State) GetBorrowPosition(symbol string, addr crypto.Address) (*lending.BorrowPosition, error) {
	return loadBorrow(s, symbol, addr)
}

// GetBalance returns the stored token balance, zero when absent.
func (s *State) GetBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	return loadBalance(s, symbol, addr)
}

// Begin opens a buffered transaction over the state. Reads fall through to
// committed data, writes stay in the overlay until Commit.
func (s *State) Begin() *Txn {
	return &Txn{base: s, writes: make(map[string][]byte)}
}

// Txn is a write-buffering overlay satisfying the engine and ledger state
// contracts. It is not safe for concurrent use; the node serialises
// operations.
type Txn struct {
	base   *State
	writes map[string][]byte
}

func (t *Txn) load(key []byte) ([]byte, error) {
	if value, ok := t.writes[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return t.base.load(key)
}

func (t *Txn) store(key []byte, value []byte) error {
	if t.writes == nil {
		return fmt.Errorf("storage: transaction already finished")
	}
	t.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Pending reports the number of buffered writes.
func (t *Txn) Pending() int {
	return len(t.writes)
}

// Commit flushes the buffered writes to the database in deterministic key
// order and finishes the transaction.
func (t *Txn) Commit() error {
	if t.writes == nil {
		return fmt.Errorf("storage: transaction already finished")
	}
	keys := make([]string, 0, len(t.writes))
	for key := range t.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := t.base.db.Put([]byte(key), t.writes[key]); err != nil {
			return fmt.Errorf("storage: commit write: %w", err)
		}
	}
	t.writes = nil
	return nil
}

// Discard drops the buffered writes and finishes the transaction.
func (t *Txn) Discard() {
	t.writes = nil
}

// GetMarket returns the market as seen through the overlay.
func (t *Txn) GetMarket(symbol string) (*lending.Market, error) {
	return loadMarket(t, symbol)
}

// PutMarket stages a market write and maintains the symbol index.
func (t *Txn) PutMarket(market *lending.Market) error {
	return storeMarket(t, market)
}

// MarketSymbols returns the market index as seen through the overlay.
func (t *Txn) MarketSymbols() ([]string, error) {
	return loadMarketSymbols(t)
}

// GetSupplyPosition returns the supply position as seen through the overlay.
func (t *Txn) GetSupplyPosition(symbol string, addr crypto.Address) (*lending.SupplyPosition, error) {
	return loadSupply(t, symbol, addr)
}

// PutSupplyPosition stages a supply position write.
func (t *Txn) PutSupplyPosition(symbol string, addr crypto.Address, pos *lending.SupplyPosition) error {
	return storeSupply(t, symbol, addr, pos)
}

// GetBorrowPosition returns the borrow position as seen through the overlay.
func (t *Txn) GetBorrowPosition(symbol string, addr crypto.Address) (*lending.BorrowPosition, error) {
	return loadBorrow(t, symbol, addr)
}

// PutBorrowPosition stages a borrow position write.
func (t *Txn) PutBorrowPosition(symbol string, addr crypto.Address, pos *lending.BorrowPosition) error {
	return storeBorrow(t, symbol, addr, pos)
}

// GetBalance returns the token balance as seen through the overlay.
func (t *Txn) GetBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	return loadBalance(t, symbol, addr)
}

// SetBalance stages a token balance write.
func (t *Txn) SetBalance(symbol string, addr crypto.Address, amount *big.Int) error {
	return storeBalance(t, symbol, addr, amount)
}
