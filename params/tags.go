package params

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/pkg/errors"
)

// A Tag decides how a parameter's gradient is reduced.
type Tag int

const (
	// Shared parameters are replicated identically on
	// every worker, such as the gating network.
	Shared Tag = iota

	// ExpertLocal parameters belong to one expert and are
	// only replicated on workers that own that expert.
	ExpertLocal
)

func (t Tag) String() string {
	switch t {
	case Shared:
		return "shared"
	case ExpertLocal:
		return "expert_local"
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// A Classifier exposes the parameters of an MoE sublayer
// split by role.
type Classifier interface {
	GateParameters() []*Parameter
	ExpertParameters() []*Parameter
}

// Tags is an immutable side table from parameter ID to Tag.
//
// Iteration is in ascending ID order, which is the same
// on every worker.
type Tags struct {
	m *treemap.Map
}

// Classify tags every gate parameter Shared and every
// expert parameter ExpertLocal.
func Classify(sublayers ...Classifier) (*Tags, error) {
	b := NewBuilder()
	for _, s := range sublayers {
		for _, p := range s.GateParameters() {
			if err := b.Add(p.ID, Shared); err != nil {
				return nil, err
			}
		}
		for _, p := range s.ExpertParameters() {
			if err := b.Add(p.ID, ExpertLocal); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

// Get looks up the tag of a parameter.
func (t *Tags) Get(id ID) (Tag, bool) {
	v, ok := t.m.Get(string(id))
	if !ok {
		return 0, false
	}
	return v.(Tag), true
}

// Len returns the number of tagged parameters.
func (t *Tags) Len() int {
	return t.m.Size()
}

// IDs returns the IDs with a given tag in ascending order.
func (t *Tags) IDs(tag Tag) []ID {
	var res []ID
	t.m.Each(func(key, value interface{}) {
		if value.(Tag) == tag {
			res = append(res, ID(key.(string)))
		}
	})
	return res
}

// A Builder accumulates tags until Build is called.
type Builder struct {
	m *treemap.Map
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{m: treemap.NewWithStringComparator()}
}

// Add tags a parameter.
//
// Adding the same ID twice with different tags fails.
func (b *Builder) Add(id ID, tag Tag) error {
	if b.m == nil {
		panic("Builder used after Build")
	}
	if old, ok := b.m.Get(string(id)); ok && old.(Tag) != tag {
		return errors.Errorf("parameter %s tagged both %s and %s", id, old, tag)
	}
	b.m.Put(string(id), tag)
	return nil
}

// Build freezes the Builder into Tags.
func (b *Builder) Build() *Tags {
	t := &Tags{m: b.m}
	b.m = nil
	return t
}
