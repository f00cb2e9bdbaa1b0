package tx

import (
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/models"
	"github.com/ajitpratap0/nebuladb/pkg/pool"
)

// Status is the state of a transaction
type Status int

// Transaction states
const (
	NotActive Status = iota
	Begun
	Committing
	RollingBack
)

func (s Status) String() string {
	switch s {
	case NotActive:
		return "NOT_ACTIVE"
	case Begun:
		return "BEGUN"
	case Committing:
		return "COMMITTING"
	case RollingBack:
		return "ROLLBACKING"
	default:
		return "UNKNOWN"
	}
}

// OpKind is the kind of a record operation
type OpKind int

// Operation kinds
const (
	Created OpKind = iota
	Updated
	Deleted
)

func (k OpKind) String() string {
	switch k {
	case Created:
		return "CREATED"
	case Updated:
		return "UPDATED"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Operation is one entry of the transaction log. Record holds the state to
// write; for deletes it is the last known state.
type Operation struct {
	RID    models.RID
	Kind   OpKind
	Record *models.Record
}

type opLog struct {
	ops   []Operation
	index map[models.RID]int
}

var opLogs = pool.New(
	func() *opLog { return &opLog{ops: make([]Operation, 0, 16), index: make(map[models.RID]int, 16)} },
	func(l *opLog) {
		for i := range l.ops {
			l.ops[i] = Operation{}
		}
		l.ops = l.ops[:0]
		for k := range l.index {
			delete(l.index, k)
		}
	},
)

// Transaction is a unit of atomic work. A Transaction is owned by one
// session and is not safe for concurrent use.
type Transaction struct {
	id        string
	status    Status
	depth     int
	log       *opLog
	startedAt time.Time
}

// noTx stands in when no transaction is active
func noTx() *Transaction {
	return &Transaction{status: NotActive}
}

func newTransaction(now time.Time) *Transaction {
	return &Transaction{
		id:        uuid.NewString(),
		status:    Begun,
		depth:     1,
		log:       opLogs.Get(),
		startedAt: now,
	}
}

// ID returns the transaction ID. It is empty when no transaction is active.
func (t *Transaction) ID() string { return t.id }

// Status returns the current state
func (t *Transaction) Status() Status { return t.status }

// Depth returns the number of unmatched Begin calls
func (t *Transaction) Depth() int { return t.depth }

// IsActive reports whether the transaction accepts operations
func (t *Transaction) IsActive() bool {
	return t.status == Begun || t.status == RollingBack
}

// StartedAt returns when the outermost Begin happened
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// Len returns the number of logged operations
func (t *Transaction) Len() int {
	if t.log == nil {
		return 0
	}
	return len(t.log.index)
}

// Operations returns the log in first-touch order
func (t *Transaction) Operations() []Operation {
	if t.log == nil {
		return nil
	}
	out := make([]Operation, 0, len(t.log.index))
	for i, op := range t.log.ops {
		// dropped entries stay in the slice but lose their index
		if j, ok := t.log.index[op.RID]; ok && j == i {
			out = append(out, op)
		}
	}
	return out
}

// Lookup returns the pending operation for rid
func (t *Transaction) Lookup(rid models.RID) (Operation, bool) {
	if t.log == nil {
		return Operation{}, false
	}
	i, ok := t.log.index[rid]
	if !ok {
		return Operation{}, false
	}
	return t.log.ops[i], true
}

// record merges an operation into the log:
//
//	created + updated -> created
//	created + deleted -> dropped
//	updated + updated -> updated
//	updated + deleted -> deleted
//
// Creating a record already in the log, or updating a deleted one, is
// rejected.
func (t *Transaction) record(kind OpKind, rec *models.Record) error {
	if !t.IsActive() {
		return errors.New(errors.ErrorTypeIllegalState, "no active transaction").
			WithDetail("operation", kind.String())
	}
	if rec == nil || rec.ID.IsNew() {
		return errors.New(errors.ErrorTypeValidation, "record has no identity").
			WithDetail("operation", kind.String())
	}

	rid := rec.ID
	i, ok := t.log.index[rid]
	if !ok {
		t.log.index[rid] = len(t.log.ops)
		t.log.ops = append(t.log.ops, Operation{RID: rid, Kind: kind, Record: rec})
		return nil
	}

	prev := &t.log.ops[i]
	switch {
	case kind == Created:
		return illegalMerge(prev.Kind, kind, rid)
	case kind == Updated && prev.Kind == Deleted:
		return illegalMerge(prev.Kind, kind, rid)
	case kind == Updated:
		prev.Record = rec
	case kind == Deleted && prev.Kind == Created:
		delete(t.log.index, rid)
	case kind == Deleted:
		prev.Kind = Deleted
		prev.Record = rec
	}
	return nil
}

func (t *Transaction) release() {
	if t.log != nil {
		opLogs.Put(t.log)
		t.log = nil
	}
}

func illegalMerge(prev, next OpKind, rid models.RID) error {
	return errors.Newf(errors.ErrorTypeIllegalState, "cannot log %s after %s", next, prev).
		WithDetail("rid", rid.String())
}
