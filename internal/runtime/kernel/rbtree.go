package kernel

import (
	"fmt"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
)

// ============================================================================
// CFS run queue: red-black tree keyed by vruntime
// ============================================================================

// RunQueue orders runnable processes by virtual runtime. Nodes are the
// process records themselves; the queue only links and unlinks them.
// Equal keys descend to the right, so ties keep insertion order.
//
// All methods require the table lock.
type RunQueue struct {
	root        *Proc
	min         *Proc
	length      int
	totalWeight int
	period      int
	capacity    int
	policy      Policy
}

// NewRunQueue creates an empty queue that holds at most capacity records.
func NewRunQueue(capacity int, pol Policy) *RunQueue {
	return &RunQueue{capacity: capacity, policy: pol, period: pol.Period(0)}
}

// Len returns the number of queued records.
func (rq *RunQueue) Len() int { return rq.length }

// TotalWeight returns the sum of queued weights.
func (rq *RunQueue) TotalWeight() int { return rq.totalWeight }

// Period returns the scheduling latency for the current length.
func (rq *RunQueue) Period() int { return rq.period }

// Min returns the cached leftmost record, or nil when empty.
func (rq *RunQueue) Min() *Proc { return rq.min }

// Full reports whether the queue is at capacity.
func (rq *RunQueue) Full() bool { return rq.length >= rq.capacity }

func colorOf(p *Proc) Color {
	if p == nil {
		return Black
	}
	return p.color
}

// Minimum walks left from the root. It is what the cached Min is refreshed
// from.
func (rq *RunQueue) Minimum() *Proc {
	return subtreeMin(rq.root)
}

func subtreeMin(n *Proc) *Proc {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// Insert links p as a red leaf and restores the invariants.
func (rq *RunQueue) Insert(p *Proc) error {
	if p.queued {
		return kerrors.InvariantViolation(fmt.Sprintf("pid %d inserted twice", p.pid))
	}
	if rq.Full() {
		return kerrors.CapacityExceeded(rq.length, rq.capacity)
	}

	p.left, p.right, p.parent = nil, nil, nil
	p.color = Red

	var parent *Proc
	for n := rq.root; n != nil; {
		parent = n
		if p.vruntime < n.vruntime {
			n = n.left
		} else {
			n = n.right
		}
	}
	p.parent = parent
	switch {
	case parent == nil:
		rq.root = p
	case p.vruntime < parent.vruntime:
		parent.left = p
	default:
		parent.right = p
	}
	rq.fixInsert(p)

	p.queued = true
	rq.length++
	rq.totalWeight += p.weight
	rq.period = rq.policy.Period(rq.length)
	if rq.min == nil || p.vruntime < rq.min.vruntime {
		rq.min = p
	}
	return nil
}

// insertCase names the configurations fixInsert dispatches on. "Inner" and
// "outer" are relative to the grandparent: an inner child is a right child
// of a left parent or a left child of a right parent.
type insertCase int

const (
	insertDone insertCase = iota
	insertRedUncle
	insertInnerChild
	insertOuterChild
)

func classifyInsert(n *Proc) insertCase {
	parent := n.parent
	if parent == nil || parent.color == Black {
		return insertDone
	}
	// A red parent is never the root, so the grandparent exists.
	grand := parent.parent
	uncle := grand.left
	if parent == grand.left {
		uncle = grand.right
	}
	if colorOf(uncle) == Red {
		return insertRedUncle
	}
	if (parent == grand.left) == (n == parent.right) {
		return insertInnerChild
	}
	return insertOuterChild
}

func (rq *RunQueue) fixInsert(n *Proc) {
	for {
		switch classifyInsert(n) {
		case insertDone:
			rq.root.color = Black
			return
		case insertRedUncle:
			grand := n.parent.parent
			grand.left.color = Black
			grand.right.color = Black
			grand.color = Red
			n = grand
		case insertInnerChild:
			// rotate into the outer shape and continue from the old parent
			parent := n.parent
			if parent == parent.parent.left {
				rq.rotateLeft(parent)
			} else {
				rq.rotateRight(parent)
			}
			n = parent
		case insertOuterChild:
			parent := n.parent
			grand := parent.parent
			parent.color = Black
			grand.color = Red
			if parent == grand.left {
				rq.rotateRight(grand)
			} else {
				rq.rotateLeft(grand)
			}
		}
	}
}

// rotateLeft makes x's right child the root of the subtree.
func (rq *RunQueue) rotateLeft(x *Proc) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		rq.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

// rotateRight makes x's left child the root of the subtree.
func (rq *RunQueue) rotateRight(x *Proc) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		rq.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// transplant replaces the subtree rooted at u with the one rooted at v.
func (rq *RunQueue) transplant(u, v *Proc) {
	switch {
	case u.parent == nil:
		rq.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// Remove unlinks p. Removing a record that is not queued is a structural
// error and panics.
func (rq *RunQueue) Remove(p *Proc) {
	if !p.queued {
		panic(kerrors.InvariantViolation(fmt.Sprintf("pid %d removed while not queued", p.pid)))
	}

	removedColor := p.color
	var x, xParent *Proc
	switch {
	case p.left == nil:
		x, xParent = p.right, p.parent
		rq.transplant(p, p.right)
	case p.right == nil:
		x, xParent = p.left, p.parent
		rq.transplant(p, p.left)
	default:
		// splice in the in-order successor
		succ := subtreeMin(p.right)
		removedColor = succ.color
		x = succ.right
		if succ.parent == p {
			xParent = succ
		} else {
			xParent = succ.parent
			rq.transplant(succ, succ.right)
			succ.right = p.right
			succ.right.parent = succ
		}
		rq.transplant(p, succ)
		succ.left = p.left
		succ.left.parent = succ
		succ.color = p.color
	}
	if removedColor == Black {
		rq.fixDelete(x, xParent)
	}

	p.left, p.right, p.parent = nil, nil, nil
	p.queued = false
	rq.length--
	rq.totalWeight -= p.weight
	rq.period = rq.policy.Period(rq.length)
	if rq.min == p {
		rq.min = rq.Minimum()
	}
}

// deleteCase names the double-black configurations, seen from x towards
// its sibling w. The near nephew is w's child on x's side.
type deleteCase int

const (
	deleteDone deleteCase = iota
	deleteRedSibling
	deleteBlackNephews
	deleteNearNephewRed
	deleteFarNephewRed
)

func classifyDelete(rq *RunQueue, x, parent *Proc) deleteCase {
	if x == rq.root || colorOf(x) == Red {
		return deleteDone
	}
	w, near, far := sibling(x, parent)
	switch {
	case colorOf(w) == Red:
		return deleteRedSibling
	case colorOf(near) == Black && colorOf(far) == Black:
		return deleteBlackNephews
	case colorOf(far) == Black:
		return deleteNearNephewRed
	default:
		return deleteFarNephewRed
	}
}

// sibling returns x's sibling under parent and its near and far children.
// x may be nil, so the side is decided by which slot of parent holds x.
func sibling(x, parent *Proc) (w, near, far *Proc) {
	if x == parent.left {
		w = parent.right
		return w, w.left, w.right
	}
	w = parent.left
	return w, w.right, w.left
}

// rotateToward rotates parent so that its child on the far side from x
// moves up, i.e. left when x is the left child.
func (rq *RunQueue) rotateToward(x, parent *Proc) {
	if x == parent.left {
		rq.rotateLeft(parent)
	} else {
		rq.rotateRight(parent)
	}
}

func (rq *RunQueue) fixDelete(x, parent *Proc) {
	for {
		switch classifyDelete(rq, x, parent) {
		case deleteDone:
			if x != nil {
				x.color = Black
			}
			return
		case deleteRedSibling:
			w, _, _ := sibling(x, parent)
			w.color = Black
			parent.color = Red
			rq.rotateToward(x, parent)
		case deleteBlackNephews:
			w, _, _ := sibling(x, parent)
			w.color = Red
			x, parent = parent, parent.parent
		case deleteNearNephewRed:
			w, near, _ := sibling(x, parent)
			near.color = Black
			w.color = Red
			if x == parent.left {
				rq.rotateRight(w)
			} else {
				rq.rotateLeft(w)
			}
		case deleteFarNephewRed:
			w, _, far := sibling(x, parent)
			w.color = parent.color
			parent.color = Black
			far.color = Black
			rq.rotateToward(x, parent)
			x, parent = rq.root, nil
		}
	}
}

// Walk visits queued records in vruntime order until fn returns false.
func (rq *RunQueue) Walk(fn func(p *Proc) bool) {
	walkInOrder(rq.root, fn)
}

func walkInOrder(n *Proc, fn func(p *Proc) bool) bool {
	if n == nil {
		return true
	}
	if !walkInOrder(n.left, fn) {
		return false
	}
	if !fn(n) {
		return false
	}
	return walkInOrder(n.right, fn)
}

// Balanced checks only the red-black coloring rules: black root, no red
// node with a red child, and equal black height on every path.
func (rq *RunQueue) Balanced() bool {
	if colorOf(rq.root) != Black {
		return false
	}
	_, ok := blackHeight(rq.root)
	return ok
}

func blackHeight(n *Proc) (int, bool) {
	if n == nil {
		return 1, true
	}
	if n.color == Red && (colorOf(n.left) == Red || colorOf(n.right) == Red) {
		return 0, false
	}
	lh, ok := blackHeight(n.left)
	if !ok {
		return 0, false
	}
	rh, ok := blackHeight(n.right)
	if !ok || lh != rh {
		return 0, false
	}
	if n.color == Black {
		lh++
	}
	return lh, true
}

// Verify runs the full integrity check: coloring rules, ordering, parent
// links and the cached aggregates. It is a diagnostic, not a hot path.
func (rq *RunQueue) Verify() error {
	if rq.root != nil && rq.root.parent != nil {
		return kerrors.InvariantViolation("root has a parent")
	}
	if colorOf(rq.root) != Black {
		return kerrors.InvariantViolation("root is red")
	}
	count, weight := 0, 0
	var prev *Proc
	var err error
	var check func(n *Proc) int
	check = func(n *Proc) int {
		if n == nil || err != nil {
			return 1
		}
		if (n.left != nil && n.left.parent != n) || (n.right != nil && n.right.parent != n) {
			err = kerrors.InvariantViolation(fmt.Sprintf("broken parent link below pid %d", n.pid))
			return 0
		}
		if n.color == Red && (colorOf(n.left) == Red || colorOf(n.right) == Red) {
			err = kerrors.InvariantViolation(fmt.Sprintf("red pid %d has a red child", n.pid))
			return 0
		}
		lh := check(n.left)
		if err != nil {
			return 0
		}
		if prev != nil && n.vruntime < prev.vruntime {
			err = kerrors.InvariantViolation(fmt.Sprintf("pid %d out of order", n.pid))
			return 0
		}
		if !n.queued {
			err = kerrors.InvariantViolation(fmt.Sprintf("pid %d linked but not marked queued", n.pid))
			return 0
		}
		prev = n
		count++
		weight += n.weight
		rh := check(n.right)
		if err != nil {
			return 0
		}
		if lh != rh {
			err = kerrors.InvariantViolation(fmt.Sprintf("black height differs below pid %d", n.pid))
			return 0
		}
		if n.color == Black {
			return lh + 1
		}
		return lh
	}
	check(rq.root)
	if err != nil {
		return err
	}
	if count != rq.length {
		return kerrors.InvariantViolation(fmt.Sprintf("length %d, counted %d", rq.length, count))
	}
	if weight != rq.totalWeight {
		return kerrors.InvariantViolation(fmt.Sprintf("total weight %d, summed %d", rq.totalWeight, weight))
	}
	if rq.min != rq.Minimum() {
		return kerrors.InvariantViolation("cached minimum is stale")
	}
	if rq.period != rq.policy.Period(rq.length) {
		return kerrors.InvariantViolation(fmt.Sprintf("period %d for length %d", rq.period, rq.length))
	}
	return nil
}
