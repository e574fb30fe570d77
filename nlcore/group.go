// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

// Group is a set of instances sharing one structural key, hence one template shape and one
// set of kernels. The representative's template supplies the local sparsity and the kernels
// of every member.
type Group struct {
	Key            uint64
	Role           Role
	Func           FunctionIndex
	Representative int
	Instances      []int

	// Per-instance local → global slot tables, rebuilt by Analyze.
	// JacobianOffset is the first Jacobian slot of a constraint instance, whose
	// slots are contiguous. GradientIndices maps the local Jacobian entries of an
	// objective instance to sparse gradient slots. HessianIndices maps local Hessian
	// entries to deduplicated global Hessian slots.
	JacobianOffset  []int
	GradientIndices [][]int
	HessianIndices  [][]int
}

// aggregator clusters registered instances into groups incrementally.
type aggregator struct {
	groups               []*Group
	groupOf              map[uint64]int
	conCursor, objCursor int
}

// AggregateGroups assigns every instance registered since the previous call to a group,
// creating groups on first sight of a structural key, and returns the number of groups.
// Groups and their member order follow registration order.
func (p *Problem) AggregateGroups() int {
	newGroups := 0
	for ; p.conCursor < len(p.cons); p.conCursor++ {
		if p.assign(RoleConstraint, &p.cons[p.conCursor], p.conCursor, p.conKey[p.conCursor]) {
			newGroups++
		}
	}
	for ; p.objCursor < len(p.objs); p.objCursor++ {
		if p.assign(RoleObjective, &p.objs[p.objCursor], p.objCursor, p.objKey[p.objCursor]) {
			newGroups++
		}
	}
	if newGroups > 0 {
		p.opts.Logger.Debug("nlcore groups aggregated", "new", newGroups, "total", len(p.groups))
	}
	p.opts.Metrics.aggregated(len(p.groups))
	return len(p.groups)
}

func (p *Problem) assign(role Role, in *Instance, seq int, key uint64) bool {
	gi, ok := p.groupOf[key]
	if ok {
		g := p.groups[gi]
		in.group, in.order = gi, len(g.Instances)
		g.Instances = append(g.Instances, seq)
		return false
	}
	gi = len(p.groups)
	p.groupOf[key] = gi
	p.groups = append(p.groups, &Group{
		Key:            key,
		Role:           role,
		Func:           in.Func,
		Representative: seq,
		Instances:      []int{seq},
	})
	in.group, in.order = gi, 0
	return true
}

// Groups returns the groups in creation order; the slice must not be modified.
func (p *Problem) Groups() []*Group { return p.groups }

// instance resolves a group member.
func (p *Problem) instance(g *Group, k int) *Instance {
	if g.Role == RoleObjective {
		return &p.objs[g.Instances[k]]
	}
	return &p.cons[g.Instances[k]]
}
