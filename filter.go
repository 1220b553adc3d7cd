package querycache

// Activity selects queries by whether an enabled observer watches them.
type Activity string

const (
	ActivityAny      Activity = ""
	ActivityActive   Activity = "active"
	ActivityInactive Activity = "inactive"
)

// QueryFilter selects queries for bulk operations. The zero value matches
// everything; set conditions compose with AND.
type QueryFilter struct {
	// Key matches from the front of the query key (see Key on partial
	// matching). Exact requires the full fingerprint to match instead.
	Key   Key
	Exact bool
	// Activity selects observed or unobserved queries.
	Activity Activity
	// Status and FetchStatus match the current state; "" matches any.
	Status      Status
	FetchStatus FetchStatus
	// Predicate is the escape hatch; it runs after all other conditions.
	Predicate func(*Query) bool
}

// Matches reports whether q passes the filter. Bulk operations prepare the
// filter once instead; use those where possible.
func (f QueryFilter) Matches(q *Query) bool { return f.prepare().matches(q) }

type preparedQueryFilter struct {
	f      QueryFilter
	fp     string
	norm   []any
	keyBad bool
}

func (f QueryFilter) prepare() preparedQueryFilter {
	p := preparedQueryFilter{f: f}
	if len(f.Key) == 0 {
		return p
	}
	if f.Exact {
		fp, err := f.Key.Fingerprint()
		if err != nil {
			p.keyBad = true
			return p
		}
		p.fp = fp
		return p
	}
	norm, err := f.Key.normalize()
	if err != nil {
		p.keyBad = true
		return p
	}
	p.norm = norm
	return p
}

func (p preparedQueryFilter) matches(q *Query) bool {
	if p.keyBad {
		return false
	}
	if p.fp != "" && q.fingerprint != p.fp {
		return false
	}
	if p.norm != nil && !matchesPrefix(q.normKey, p.norm) {
		return false
	}
	switch p.f.Activity {
	case ActivityActive:
		if !q.IsActive() {
			return false
		}
	case ActivityInactive:
		if q.IsActive() {
			return false
		}
	}
	if p.f.Status != "" || p.f.FetchStatus != "" {
		st := q.State()
		if p.f.Status != "" && st.Status != p.f.Status {
			return false
		}
		if p.f.FetchStatus != "" && st.FetchStatus != p.f.FetchStatus {
			return false
		}
	}
	if p.f.Predicate != nil && !p.f.Predicate(q) {
		return false
	}
	return true
}

// MutationFilter selects mutations for bulk operations. The zero value
// matches everything.
type MutationFilter struct {
	// Key matches the mutation's Key from the front; Exact requires the
	// full fingerprint. Mutations without a Key never match a key
	// condition.
	Key   Key
	Exact bool
	// Status matches the current state; "" matches any.
	Status MutationStatus
	// Scope matches the mutation's serialization scope.
	Scope     string
	Predicate func(*Mutation) bool
}

func (f MutationFilter) Matches(m *Mutation) bool { return f.prepareMutation().matches(m) }

type preparedMutationFilter struct {
	f      MutationFilter
	fp     string
	norm   []any
	keyBad bool
}

func (f MutationFilter) prepareMutation() preparedMutationFilter {
	p := preparedMutationFilter{f: f}
	if len(f.Key) == 0 {
		return p
	}
	if f.Exact {
		fp, err := f.Key.Fingerprint()
		if err != nil {
			p.keyBad = true
			return p
		}
		p.fp = fp
		return p
	}
	norm, err := f.Key.normalize()
	if err != nil {
		p.keyBad = true
		return p
	}
	p.norm = norm
	return p
}

func (p preparedMutationFilter) matches(m *Mutation) bool {
	if p.keyBad {
		return false
	}
	if p.fp != "" && m.fingerprint != p.fp {
		return false
	}
	if p.norm != nil && (m.normKey == nil || !matchesPrefix(m.normKey, p.norm)) {
		return false
	}
	if p.f.Status != "" && m.State().Status != p.f.Status {
		return false
	}
	if p.f.Scope != "" && m.Scope() != p.f.Scope {
		return false
	}
	if p.f.Predicate != nil && !p.f.Predicate(m) {
		return false
	}
	return true
}
