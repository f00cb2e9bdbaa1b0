package hook

// Position orders hooks. Hooks at the same position run in registration
// order.
type Position int

// Hook positions, earliest first
const (
	First Position = iota
	Early
	Regular
	Late
	Last
)

var positionNames = [...]string{"first", "early", "regular", "late", "last"}

func (p Position) String() string {
	if p < First || p > Last {
		return "unknown"
	}
	return positionNames[p]
}

// Scope groups related event types. Each hook declares the scopes it
// handles so dispatch only walks the hooks of one scope.
type Scope int

// Hook scopes
const (
	ScopeRead Scope = iota
	ScopeCreate
	ScopeUpdate
	ScopeDelete
	scopeCount
)

var scopeNames = [...]string{"read", "create", "update", "delete"}

func (s Scope) String() string {
	if s < 0 || s >= scopeCount {
		return "unknown"
	}
	return scopeNames[s]
}

// AllScopes lists every scope
func AllScopes() []Scope {
	return []Scope{ScopeRead, ScopeCreate, ScopeUpdate, ScopeDelete}
}

// Type is a record lifecycle event.
type Type int

// Event types
const (
	BeforeRead Type = iota
	AfterRead
	BeforeCreate
	AfterCreate
	CreateFailed
	BeforeUpdate
	AfterUpdate
	UpdateFailed
	BeforeDelete
	AfterDelete
	DeleteFailed
)

var typeNames = [...]string{
	"before_read", "after_read",
	"before_create", "after_create", "create_failed",
	"before_update", "after_update", "update_failed",
	"before_delete", "after_delete", "delete_failed",
}

func (t Type) String() string {
	if t < BeforeRead || t > DeleteFailed {
		return "unknown"
	}
	return typeNames[t]
}

// Scope returns the scope the event type belongs to
func (t Type) Scope() Scope {
	switch t {
	case BeforeRead, AfterRead:
		return ScopeRead
	case BeforeCreate, AfterCreate, CreateFailed:
		return ScopeCreate
	case BeforeUpdate, AfterUpdate, UpdateFailed:
		return ScopeUpdate
	default:
		return ScopeDelete
	}
}

// IsBefore reports whether the event fires before the change is made.
// Only before events can veto a change with Skip or SkipIO.
func (t Type) IsBefore() bool {
	return t == BeforeRead || t == BeforeCreate || t == BeforeUpdate || t == BeforeDelete
}

// Result is what a hook reports back. Skip and SkipIO are control
// signals, not failures.
type Result int

// Hook results
const (
	// RecordNotChanged means the hook left the record alone
	RecordNotChanged Result = iota
	// RecordChanged means the hook modified the record
	RecordChanged
	// Skip stops the remaining hooks and the operation itself
	Skip
	// SkipIO stops the remaining hooks and the storage access, but the
	// operation is reported as done
	SkipIO
)

var resultNames = [...]string{"not_changed", "changed", "skip", "skip_io"}

func (r Result) String() string {
	if r < RecordNotChanged || r > SkipIO {
		return "unknown"
	}
	return resultNames[r]
}

// ShortCircuits reports whether the result stops dispatch
func (r Result) ShortCircuits() bool {
	return r == Skip || r == SkipIO
}
