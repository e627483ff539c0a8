package systems

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

type PipelineState uint8

const (
	PipelineStateUnbuilt PipelineState = iota
	PipelineStateBuilt
)

func (s PipelineState) String() string {
	if s == PipelineStateBuilt {
		return "built"
	}
	return "unbuilt"
}

/**
 * @brief Where a named resource or descriptor lives in a pipeline's layout.
 * Per-draw writes performed by a renderer go through this.
 */
type Slot struct {
	Name    string
	Set     uint32
	Binding uint32
	Kind    metadata.DescriptorKind
	Count   uint32
	Stages  metadata.ShaderStage
}

/**
 * @brief A built graphics pipeline. It shares its modules, layouts and render
 * pass with every other pipeline asking for the same objects, and exclusively
 * owns its native pipeline and default descriptor set.
 */
type Pipeline struct {
	ID          uuid.UUID
	Name        string
	Description *metadata.PipelineDescription

	mu            sync.Mutex
	state         PipelineState
	owner         *PipelineCompiler
	handle        metadata.Handle
	modules       []*ShaderModule
	setLayouts    []*DescriptorSetLayout
	layout        *PipelineLayout
	renderPass    *RenderPass
	target        metadata.RenderTarget
	defaultSet    *DescriptorSet
	bindings      map[uint32][]metadata.LayoutBinding
	pushConstants []metadata.PushConstantRange
	slots         map[string]Slot
	links         []ResolvedLink
	warnings      []core.UnresolvedLinkWarning
}

func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handle is the native pipeline to bind.
func (p *Pipeline) Handle() metadata.Handle { return p.handle }

func (p *Pipeline) Layout() *PipelineLayout { return p.layout }

// SetLayouts are indexed by set number. Sets no stage uses have an empty layout.
func (p *Pipeline) SetLayouts() []*DescriptorSetLayout { return p.setLayouts }

func (p *Pipeline) Modules() []*ShaderModule { return p.modules }

func (p *Pipeline) RenderPass() *RenderPass { return p.renderPass }

// DescriptorSet is the default set allocated from the primary set layout, nil
// when the primary set declares no bindings.
func (p *Pipeline) DescriptorSet() *DescriptorSet { return p.defaultSet }

// Bindings returns the merged layout bindings of set.
func (p *Pipeline) Bindings(set uint32) []metadata.LayoutBinding { return p.bindings[set] }

func (p *Pipeline) PushConstants() []metadata.PushConstantRange { return p.pushConstants }

// Links are the description's links as resolved at build time.
func (p *Pipeline) Links() []ResolvedLink { return p.links }

// Warnings are the links the build could not satisfy.
func (p *Pipeline) Warnings() []core.UnresolvedLinkWarning { return p.warnings }

// Target is the render pass shape and subpass the pipeline was built against.
func (p *Pipeline) Target() metadata.RenderTarget { return p.target }

func (p *Pipeline) CompatibleWith(shape metadata.RenderPassShape, subpass uint32) bool {
	return p.target.Subpass == subpass && p.target.Shape.Equal(shape)
}

// Slot finds a binding by link resource name first, then by descriptor name
// in set and binding order.
func (p *Pipeline) Slot(name string) (Slot, bool) {
	for _, l := range p.links {
		if l.Resolved && l.ResourceName == name {
			s := p.slots[slotKey(l.Set, l.Slot)]
			return s, true
		}
	}
	slots := make([]Slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.Name == name {
			slots = append(slots, s)
		}
	}
	if len(slots) == 0 {
		return Slot{}, false
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Set != slots[j].Set {
			return slots[i].Set < slots[j].Set
		}
		return slots[i].Binding < slots[j].Binding
	})
	return slots[0], true
}

// Dependencies lists the description file, every stage source and every
// include, without duplicates.
func (p *Pipeline) Dependencies() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	add(p.Description.Path)
	for _, m := range p.modules {
		for _, d := range m.Dependencies {
			add(d)
		}
	}
	return out
}

// Relink writes the links into the default descriptor set again, against dir.
func (p *Pipeline) Relink(dir ResourceDirectory) (LinkResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PipelineStateBuilt {
		return LinkResult{}, core.ErrPipelineNotBuilt
	}
	if p.defaultSet == nil {
		return LinkResult{}, fmt.Errorf("pipeline '%s' has no default descriptor set", p.Name)
	}
	return p.owner.linker.Link(p.Name, p.defaultSet, p.links, dir)
}

// Destroy releases everything the pipeline holds. Shared objects survive as
// long as another pipeline owns them.
func (p *Pipeline) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PipelineStateBuilt {
		return core.ErrPipelineNotBuilt
	}
	err := p.owner.release(p)
	p.state = PipelineStateUnbuilt
	return err
}

func slotKey(set, binding uint32) string {
	return fmt.Sprintf("%d.%d", set, binding)
}

type mergedBinding struct {
	metadata.LayoutBinding
	name  string
	stage metadata.ShaderStage
}

/**
 * @brief The union of every stage's reflection. A (set, binding) declared by
 * more than one stage must agree on kind and count; its visibility is the OR
 * of the declaring stages.
 */
type mergedTables struct {
	sets          map[uint32]map[uint32]*mergedBinding
	pushConstants []metadata.PushConstantRange
}

func mergeReflection(modules []*ShaderModule) (*mergedTables, error) {
	m := &mergedTables{sets: make(map[uint32]map[uint32]*mergedBinding)}
	for _, mod := range modules {
		refl := mod.Reflection
		if refl == nil {
			continue
		}
		for _, set := range refl.Sets() {
			table, ok := m.sets[set]
			if !ok {
				table = make(map[uint32]*mergedBinding)
				m.sets[set] = table
			}
			for _, d := range refl.Descriptors[set] {
				count := max(d.Count, 1)
				existing, ok := table[d.Binding]
				if !ok {
					table[d.Binding] = &mergedBinding{
						LayoutBinding: metadata.LayoutBinding{Binding: d.Binding, Kind: d.Kind, Count: count, Stages: mod.Stage},
						name:          d.Name,
						stage:         mod.Stage,
					}
					continue
				}
				if existing.Kind != d.Kind || existing.Count != count {
					return nil, &core.BindingConflictError{
						Set:         set,
						Binding:     d.Binding,
						Name:        d.Name,
						FirstStage:  existing.stage.String(),
						SecondStage: mod.Stage.String(),
						FirstKind:   existing.Kind.String(),
						SecondKind:  d.Kind.String(),
						FirstCount:  existing.Count,
						SecondCount: count,
					}
				}
				existing.Stages |= mod.Stage
			}
		}
		for _, r := range refl.PushConstants {
			i := slices.IndexFunc(m.pushConstants, func(o metadata.PushConstantRange) bool {
				return o.Offset == r.Offset && o.Size == r.Size
			})
			if i >= 0 {
				m.pushConstants[i].Stages |= mod.Stage
				continue
			}
			r.Stages = mod.Stage
			m.pushConstants = append(m.pushConstants, r)
		}
	}
	sort.SliceStable(m.pushConstants, func(i, j int) bool {
		return m.pushConstants[i].Offset < m.pushConstants[j].Offset
	})
	return m, nil
}

// layoutBindings returns set's bindings sorted by binding number.
func (m *mergedTables) layoutBindings(set uint32) []metadata.LayoutBinding {
	table := m.sets[set]
	out := make([]metadata.LayoutBinding, 0, len(table))
	for _, b := range table {
		out = append(out, b.LayoutBinding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Binding < out[j].Binding })
	return out
}

// setCount is one past the highest set index in use.
func (m *mergedTables) setCount() uint32 {
	var n uint32
	for set := range m.sets {
		n = max(n, set+1)
	}
	return n
}

func (m *mergedTables) slots() map[string]Slot {
	out := make(map[string]Slot)
	for set, table := range m.sets {
		for _, b := range table {
			out[slotKey(set, b.Binding)] = Slot{
				Name:    b.name,
				Set:     set,
				Binding: b.Binding,
				Kind:    b.Kind,
				Count:   b.Count,
				Stages:  b.Stages,
			}
		}
	}
	return out
}

// resolveLinks fills in the binding of every link. Links asking for discovery
// take the first stage, in compile order, that declares the descriptor name;
// explicit bindings refer to the primary set.
func resolveLinks(desc *metadata.PipelineDescription, modules []*ShaderModule, merged *mergedTables, primary uint32) []ResolvedLink {
	out := make([]ResolvedLink, 0, len(desc.Links))
	for _, l := range desc.Links {
		rl := ResolvedLink{LinkDescription: l}
		if l.Binding == metadata.LinkDiscoverBinding {
			var matches []Slot
			for _, mod := range modules {
				if mod.Reflection == nil {
					continue
				}
				if set, d, ok := mod.Reflection.Find(l.DescriptorName); ok {
					s := Slot{Set: set, Binding: d.Binding}
					if !slices.ContainsFunc(matches, func(o Slot) bool { return o.Set == s.Set && o.Binding == s.Binding }) {
						matches = append(matches, s)
					}
				}
			}
			if len(matches) == 0 {
				rl.Reason = fmt.Sprintf("no stage declares '%s'", l.DescriptorName)
				out = append(out, rl)
				continue
			}
			if len(matches) > 1 {
				core.LogWarn("pipeline '%s': descriptor '%s' is declared at %d different slots, using set %d binding %d",
					desc.Name, l.DescriptorName, len(matches), matches[0].Set, matches[0].Binding)
			}
			rl.Set, rl.Slot = matches[0].Set, matches[0].Binding
		} else {
			rl.Set, rl.Slot = primary, uint32(l.Binding)
		}
		b, ok := merged.sets[rl.Set][rl.Slot]
		if !ok {
			rl.Reason = fmt.Sprintf("set %d binding %d is not declared by any stage", rl.Set, rl.Slot)
			out = append(out, rl)
			continue
		}
		rl.Kind, rl.Count, rl.Resolved = b.Kind, b.Count, true
		out = append(out, rl)
	}
	return out
}
