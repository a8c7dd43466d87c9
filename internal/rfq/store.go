package rfq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"intercomswap/internal/proto"
)

var ErrTradeNotFound = errors.New("trade not found")

type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

type State string

const (
	StateRFQOpen        State = "rfq_open"
	StateQuoted         State = "quoted"
	StateAccepted       State = "accepted"
	StateInvited        State = "invited"
	StateTermsExchanged State = "terms_exchanged"
	StateCanceled       State = "canceled"
)

// Trade is everything one side remembers about a negotiation.
type Trade struct {
	TradeID     string                      `json:"trade_id"`
	Role        Role                        `json:"role"`
	State       State                       `json:"state"`
	RFQID       string                      `json:"rfq_id"`
	RFQSigner   string                      `json:"rfq_signer"`
	RFQ         *proto.RFQBody              `json:"rfq,omitempty"`
	QuoteID     string                      `json:"quote_id,omitempty"`
	QuoteSigner string                      `json:"quote_signer,omitempty"`
	Quote       *proto.QuoteBody            `json:"quote,omitempty"`
	QuoteEnv    *proto.Envelope             `json:"quote_env,omitempty"`
	AcceptID    string                      `json:"accept_id,omitempty"`
	SwapChannel string                      `json:"swap_channel,omitempty"`
	InviteEnv   *proto.Envelope             `json:"invite_env,omitempty"`
	TermsHash   string                      `json:"terms_hash,omitempty"`
	Terms       *proto.TermsBody            `json:"terms,omitempty"`
	Invoice     *proto.LnInvoiceBody        `json:"invoice,omitempty"`
	Escrow      *proto.SolEscrowCreatedBody `json:"escrow,omitempty"`
	PrePay      string                      `json:"prepay,omitempty"`
	CancelNote  string                      `json:"cancel_note,omitempty"`
	UpdatedAt   int64                       `json:"updated_at"`
	Extra       map[string]string           `json:"extra,omitempty"`
}

// TradeStore persists trade records keyed by trade id. Get returns
// ErrTradeNotFound for unknown ids. Returned trades are copies.
type TradeStore interface {
	Get(tradeID string) (*Trade, error)
	Put(t *Trade) error
	List() ([]*Trade, error)
	Close() error
}

func encodeTrade(t *Trade) ([]byte, error) {
	if t == nil || t.TradeID == "" {
		return nil, fmt.Errorf("%w: trade without id", proto.ErrValidation)
	}
	return json.Marshal(t)
}

func decodeTrade(data []byte) (*Trade, error) {
	var t Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// MemoryStore keeps encoded trades in a map so callers never share memory
// with stored records.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string][]byte)}
}

func (s *MemoryStore) Get(tradeID string) (*Trade, error) {
	s.mu.RLock()
	data, ok := s.trades[tradeID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTradeNotFound
	}
	return decodeTrade(data)
}

func (s *MemoryStore) Put(t *Trade) error {
	data, err := encodeTrade(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.trades[t.TradeID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List() ([]*Trade, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.trades))
	for id := range s.trades {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	out := make([]*Trade, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var tradePrefix = []byte("trade:")

// LevelStore keeps trades in a LevelDB directory.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens (or creates) a LevelDB instance at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open trade db %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func tradeKey(id string) []byte {
	return append(append([]byte(nil), tradePrefix...), id...)
}

func (s *LevelStore) Get(tradeID string) (*Trade, error) {
	data, err := s.db.Get(tradeKey(tradeID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return decodeTrade(data)
}

func (s *LevelStore) Put(t *Trade) error {
	data, err := encodeTrade(t)
	if err != nil {
		return err
	}
	return s.db.Put(tradeKey(t.TradeID), data, nil)
}

// List returns trades in key order.
func (s *LevelStore) List() ([]*Trade, error) {
	iter := s.db.NewIterator(util.BytesPrefix(tradePrefix), nil)
	defer iter.Release()
	var out []*Trade
	for iter.Next() {
		t, err := decodeTrade(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
