package stompy

import (
	"sort"
	"sync"
	"time"
)

// TransactionState is the lifecycle position of a Transaction.
type TransactionState string

const (
	TransactionActive    TransactionState = "active"
	TransactionCommitted TransactionState = "committed"
	TransactionAborted   TransactionState = "aborted"
	TransactionTimedOut  TransactionState = "timedOut"
)

// Transaction is a named group of sends and acknowledgments. Once it leaves
// the active state its pending lists are frozen.
type Transaction struct {
	ID        string
	State     TransactionState
	CreatedAt time.Time
	Timeout   time.Duration

	pendingMessages []string
	pendingAcks     []string
}

func (t Transaction) IsActive() bool {
	return t.State == TransactionActive
}

// IsExpired reports whether the transaction outlived its timeout at now. A
// zero timeout never expires.
func (t Transaction) IsExpired(now time.Time) bool {
	return t.Timeout > 0 && now.Sub(t.CreatedAt) > t.Timeout
}

func (t Transaction) PendingMessages() []string {
	return append([]string(nil), t.pendingMessages...)
}

func (t Transaction) PendingAcknowledgments() []string {
	return append([]string(nil), t.pendingAcks...)
}

func (t Transaction) HasPendingOperations() bool {
	return len(t.pendingMessages) > 0 || len(t.pendingAcks) > 0
}

func (t Transaction) clone() Transaction {
	t.pendingMessages = t.PendingMessages()
	t.pendingAcks = t.PendingAcknowledgments()
	return t
}

// TransactionManager is a table of transactions keyed by id, safe for
// concurrent use. Every method returns copies; the table owns the entries.
type TransactionManager struct {
	sync.Mutex
	txs map[string]*Transaction
	now func() time.Time
}

func NewTransactionManager() *TransactionManager {
	return newTransactionManager(time.Now)
}

func newTransactionManager(now func() time.Time) *TransactionManager {
	return &TransactionManager{txs: make(map[string]*Transaction), now: now}
}

// Begin starts a new active transaction. An existing entry with the same id
// is replaced.
func (m *TransactionManager) Begin(id string, timeout time.Duration) Transaction {
	m.Lock()
	defer m.Unlock()
	tx := &Transaction{ID: id, State: TransactionActive, CreatedAt: m.now(), Timeout: timeout}
	m.txs[id] = tx
	return tx.clone()
}

func (m *TransactionManager) Get(id string) (Transaction, bool) {
	m.Lock()
	defer m.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return tx.clone(), true
}

// IsActive reports whether id names an active transaction.
func (m *TransactionManager) IsActive(id string) bool {
	m.Lock()
	defer m.Unlock()
	tx, ok := m.txs[id]
	return ok && tx.IsActive()
}

// AddMessage appends messageID to an active transaction. It returns false
// when the transaction is unknown or no longer active.
func (m *TransactionManager) AddMessage(id, messageID string) bool {
	return m.update(id, func(tx *Transaction) {
		tx.pendingMessages = append(tx.pendingMessages, messageID)
	})
}

func (m *TransactionManager) AddAcknowledgment(id, messageID string) bool {
	return m.update(id, func(tx *Transaction) {
		tx.pendingAcks = append(tx.pendingAcks, messageID)
	})
}

// Commit moves an active transaction to committed. Anything else is a no-op
// returning false.
func (m *TransactionManager) Commit(id string) bool {
	return m.update(id, func(tx *Transaction) {
		tx.State = TransactionCommitted
	})
}

func (m *TransactionManager) Abort(id string) bool {
	return m.update(id, func(tx *Transaction) {
		tx.State = TransactionAborted
	})
}

func (m *TransactionManager) update(id string, fn func(*Transaction)) bool {
	m.Lock()
	defer m.Unlock()
	tx, ok := m.txs[id]
	if !ok || !tx.IsActive() {
		return false
	}
	fn(tx)
	return true
}

// CleanupExpired marks every active transaction past its timeout as timed
// out and returns their ids. Entries stay in the table until Remove.
func (m *TransactionManager) CleanupExpired() []string {
	m.Lock()
	defer m.Unlock()
	now := m.now()
	var expired []string
	for id, tx := range m.txs {
		if tx.IsActive() && tx.IsExpired(now) {
			tx.State = TransactionTimedOut
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func (m *TransactionManager) Remove(id string) bool {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.txs[id]; !ok {
		return false
	}
	delete(m.txs, id)
	return true
}

func (m *TransactionManager) All() []Transaction {
	return m.filter(func(*Transaction) bool { return true })
}

func (m *TransactionManager) Active() []Transaction {
	return m.filter(func(tx *Transaction) bool { return tx.State == TransactionActive })
}

func (m *TransactionManager) Committed() []Transaction {
	return m.filter(func(tx *Transaction) bool { return tx.State == TransactionCommitted })
}

func (m *TransactionManager) filter(keep func(*Transaction) bool) []Transaction {
	m.Lock()
	defer m.Unlock()
	out := []Transaction{}
	for _, tx := range m.txs {
		if keep(tx) {
			out = append(out, tx.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
