package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"meridian/internal/domain"
)

// OrderSource is the read side of an OrderTracker.
type OrderSource interface {
	Get(id string) (domain.OrderState, bool)
}

// GroupTracker aggregates leg orders into multi-leg groups and derives each
// group's status from its legs.
type GroupTracker struct {
	mu      sync.RWMutex
	groups  map[string]*domain.OrderGroup
	byOrder map[string]string // leg correlation id -> group id

	orders   OrderSource
	onChange func(domain.OrderGroup) error
	log      *slog.Logger
}

// NewGroupTracker creates a GroupTracker reading leg state from orders.
func NewGroupTracker(orders OrderSource, log *slog.Logger) *GroupTracker {
	if log == nil {
		log = slog.Default()
	}
	return &GroupTracker{
		groups:  make(map[string]*domain.OrderGroup),
		byOrder: make(map[string]string),
		orders:  orders,
		log:     log,
	}
}

// OnStatusChange registers fn to be called whenever a group's status
// changes. Errors from fn are logged and otherwise ignored.
func (t *GroupTracker) OnStatusChange(fn func(domain.OrderGroup) error) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// CreateGroup bundles legs under id. A leg may belong to one group only. The
// group type is a label; no structural validation is done for it.
func (t *GroupTracker) CreateGroup(id string, typ domain.GroupType, legs []string) (domain.OrderGroup, error) {
	if id == "" || len(legs) == 0 {
		return domain.OrderGroup{}, fmt.Errorf("group %q with %d legs: %w", id, len(legs), ErrInvalidGroup)
	}
	if typ == "" {
		typ = domain.GroupTypeCustom
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.groups[id]; ok {
		return domain.OrderGroup{}, fmt.Errorf("group %s: %w", id, ErrDuplicateGroup)
	}
	seen := make(map[string]bool, len(legs))
	for _, leg := range legs {
		if leg == "" || seen[leg] {
			return domain.OrderGroup{}, fmt.Errorf("group %s leg %q: %w", id, leg, ErrInvalidGroup)
		}
		seen[leg] = true
		if other, ok := t.byOrder[leg]; ok {
			return domain.OrderGroup{}, fmt.Errorf("group %s leg %s already in group %s: %w", id, leg, other, ErrInvalidGroup)
		}
	}

	g := &domain.OrderGroup{ID: id, Type: typ, Legs: append([]string(nil), legs...)}
	g.Status = t.aggregate(g)
	t.groups[id] = g
	for _, leg := range legs {
		t.byOrder[leg] = id
	}
	return g.Clone(), nil
}

// addLeg appends a leg to group id, creating the group when needed. Used
// while rebuilding groups from persisted orders.
func (t *GroupTracker) addLeg(id string, typ domain.GroupType, leg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byOrder[leg]; ok {
		return
	}
	g, ok := t.groups[id]
	if !ok {
		if typ == "" {
			typ = domain.GroupTypeCustom
		}
		g = &domain.OrderGroup{ID: id, Type: typ}
		t.groups[id] = g
	}
	g.Legs = append(g.Legs, leg)
	t.byOrder[leg] = id
	g.Status = t.aggregate(g)
}

// UpdateFromOrderStatus recomputes the status of the group containing
// orderID. It is a no-op for orders outside any group.
func (t *GroupTracker) UpdateFromOrderStatus(orderID string) {
	t.mu.Lock()
	gid, ok := t.byOrder[orderID]
	if !ok {
		t.mu.Unlock()
		return
	}
	g := t.groups[gid]
	prev := g.Status
	g.Status = t.aggregate(g)
	changed := g.Status != prev
	snapshot := g.Clone()
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		if err := fn(snapshot); err != nil {
			t.log.Warn("group status callback failed", "group_id", gid, "status", snapshot.Status, "error", err)
		}
	}
}

// refresh recomputes every group's status without firing callbacks and
// returns the groups sorted by id.
func (t *GroupTracker) refresh() []domain.OrderGroup {
	t.mu.Lock()
	for _, g := range t.groups {
		g.Status = t.aggregate(g)
	}
	t.mu.Unlock()
	return t.Groups()
}

// aggregate derives a group status: FILLED when every leg is FILLED,
// PARTIALLY_FILLED when any leg has filled, otherwise CREATED.
// Must be called with mu held.
func (t *GroupTracker) aggregate(g *domain.OrderGroup) domain.OrderStatus {
	filled, touched := 0, 0
	for _, leg := range g.Legs {
		st, ok := t.orders.Get(leg)
		if !ok {
			continue
		}
		switch st.Status {
		case domain.OrderStatusFilled:
			filled++
			touched++
		case domain.OrderStatusPartiallyFilled:
			touched++
		default:
			if st.FilledQty > 0 {
				touched++
			}
		}
	}
	switch {
	case filled == len(g.Legs):
		return domain.OrderStatusFilled
	case touched > 0:
		return domain.OrderStatusPartiallyFilled
	default:
		return domain.OrderStatusCreated
	}
}

// Group returns a copy of group id.
func (t *GroupTracker) Group(id string) (domain.OrderGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[id]
	if !ok {
		return domain.OrderGroup{}, false
	}
	return g.Clone(), true
}

// GroupOf returns the id of the group containing orderID.
func (t *GroupTracker) GroupOf(orderID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	gid, ok := t.byOrder[orderID]
	return gid, ok
}

// Groups returns copies of all groups sorted by id.
func (t *GroupTracker) Groups() []domain.OrderGroup {
	t.mu.RLock()
	out := make([]domain.OrderGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g.Clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupPnLTracker rolls leg PnL up to the group level.
type GroupPnLTracker struct {
	mu       sync.RWMutex
	realized map[string]float64

	groups *GroupTracker
	orders OrderSource
}

// NewGroupPnLTracker creates a GroupPnLTracker attributing fills through
// groups' order-to-group index.
func NewGroupPnLTracker(groups *GroupTracker, orders OrderSource) *GroupPnLTracker {
	return &GroupPnLTracker{
		realized: make(map[string]float64),
		groups:   groups,
		orders:   orders,
	}
}

// Update attributes the realized PnL of fill to its order's group, if any.
func (t *GroupPnLTracker) Update(fill domain.Fill, realized float64) {
	gid, ok := t.groups.GroupOf(fill.OrderID)
	if !ok {
		return
	}
	t.mu.Lock()
	t.realized[gid] += realized
	t.mu.Unlock()
}

// RealizedPnL returns the realized PnL attributed to group id.
func (t *GroupPnLTracker) RealizedPnL(id string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized[id]
}

// UnrealizedPnL sums, over the legs of group id, the mark-to-market of each
// leg's filled quantity against its average fill price. BUY legs count as
// long and SELL legs as short.
func (t *GroupPnLTracker) UnrealizedPnL(id string, marks map[string]float64) float64 {
	g, ok := t.groups.Group(id)
	if !ok {
		return 0
	}
	var total float64
	for _, leg := range g.Legs {
		st, ok := t.orders.Get(leg)
		if !ok || st.FilledQty == 0 {
			continue
		}
		mark, ok := marks[st.Order.Symbol()]
		if !ok {
			continue
		}
		total += (mark - st.FilledAvgPrice) * st.FilledQty * multiplierOf(st.Order.Instrument) * st.Order.Side.Sign()
	}
	return total
}

// TotalPnL returns realized plus unrealized PnL of group id.
func (t *GroupPnLTracker) TotalPnL(id string, marks map[string]float64) float64 {
	return t.RealizedPnL(id) + t.UnrealizedPnL(id, marks)
}
