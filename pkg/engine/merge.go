package engine

import (
	"fmt"
	"sort"
)

// merge folds the ancestors listed in mro into a copy of class. Slots are
// gathered from the most distant ancestor to the class itself so base slots
// come first. Keyed definitions are merged closest-ancestor-first and the
// first writer wins; the class's own definitions are applied last.
func (st *resolverState) merge(class *ClassDef, mro []string) *ClassDef {
	merged := &ClassDef{
		Name:        class.Name,
		IsA:         class.IsA,
		Mixins:      class.Mixins,
		Mixin:       class.Mixin,
		Abstract:    class.Abstract,
		Description: class.Description,
	}

	ancestors := mro[1:]

	seen := make(map[string]bool)
	for i := len(ancestors) - 1; i >= 0; i-- {
		for _, slot := range st.schema.Classes[ancestors[i]].Slots {
			if !seen[slot] {
				seen[slot] = true
				merged.Slots = append(merged.Slots, slot)
			}
		}
	}
	for _, slot := range class.Slots {
		if !seen[slot] {
			seen[slot] = true
			merged.Slots = append(merged.Slots, slot)
		}
	}

	for _, name := range ancestors {
		ancestor := st.schema.Classes[name]
		merged.SlotUsage = mergeFirst(merged.SlotUsage, ancestor.SlotUsage)
		merged.Attributes = mergeFirst(merged.Attributes, ancestor.Attributes)
		merged.UniqueKeys = mergeFirst(merged.UniqueKeys, ancestor.UniqueKeys)
		merged.Annotations = mergeFirst(merged.Annotations, ancestor.Annotations)
	}
	merged.SlotUsage = mergeOverride(merged.SlotUsage, class.SlotUsage)
	merged.Attributes = mergeOverride(merged.Attributes, class.Attributes)
	merged.UniqueKeys = mergeOverride(merged.UniqueKeys, class.UniqueKeys)
	merged.Annotations = mergeOverride(merged.Annotations, class.Annotations)

	ruleIndex := make(map[string]int)
	for i := len(ancestors) - 1; i >= 0; i-- {
		for _, rule := range st.schema.Classes[ancestors[i]].Rules {
			if _, ok := ruleIndex[rule.key()]; !ok {
				ruleIndex[rule.key()] = len(merged.Rules)
				merged.Rules = append(merged.Rules, rule)
			}
		}
	}
	for _, rule := range class.Rules {
		if idx, ok := ruleIndex[rule.key()]; ok {
			merged.Rules[idx] = rule
			continue
		}
		ruleIndex[rule.key()] = len(merged.Rules)
		merged.Rules = append(merged.Rules, rule)
	}

	return merged
}

// mergeFirst copies entries of src missing from dst.
func mergeFirst[V any](dst, src map[string]V) map[string]V {
	for k, v := range src {
		if _, ok := dst[k]; ok {
			continue
		}
		if dst == nil {
			dst = make(map[string]V, len(src))
		}
		dst[k] = v
	}
	return dst
}

// mergeOverride copies every entry of src into dst.
func mergeOverride[V any](dst, src map[string]V) map[string]V {
	for k, v := range src {
		if dst == nil {
			dst = make(map[string]V, len(src))
		}
		dst[k] = v
	}
	return dst
}

// effectiveSlots computes the final definition of every slot of the merged
// class: global definition with slot-level inheritance, then the attribute
// overlay, then slot usage.
func (st *resolverState) effectiveSlots(merged *ClassDef) ([]*EffectiveSlot, error) {
	names := append([]string(nil), merged.Slots...)
	listed := make(map[string]bool, len(names))
	for _, n := range names {
		listed[n] = true
	}
	attrNames := make([]string, 0, len(merged.Attributes))
	for n := range merged.Attributes {
		if !listed[n] {
			attrNames = append(attrNames, n)
		}
	}
	sort.Strings(attrNames)
	names = append(names, attrNames...)

	out := make([]*EffectiveSlot, 0, len(names))
	for _, name := range names {
		attr, isAttr := merged.Attributes[name]

		var def *SlotDef
		if _, global := st.schema.Slots[name]; global {
			resolved, err := st.resolveSlot(name, nil)
			if err != nil {
				return nil, err
			}
			def = resolved
		} else if isAttr {
			def = &SlotDef{}
		} else {
			return nil, NewPermanentError(
				fmt.Sprintf("class %s references slot %s which does not exist", merged.Name, name), nil,
			).WithCode(ErrCodeSlotNotFound).WithResource(merged.Name).WithDetail("slot", name)
		}

		if isAttr {
			overlaySlot(def, attr)
		}
		if usage, ok := merged.SlotUsage[name]; ok {
			overlaySlot(def, usage)
		}
		def.Name = name
		if def.Range == "" {
			def.Range = "string"
		}

		eff := &EffectiveSlot{SlotDef: *def}
		switch {
		case IsPrimitiveRange(def.Range):
			eff.RangeKind = RangeKindPrimitive
		case st.schema.Classes[def.Range] != nil:
			eff.RangeKind = RangeKindClass
		case st.schema.Enums[def.Range] != nil:
			eff.RangeKind = RangeKindEnum
			eff.PermissibleValues = append([]string(nil), st.schema.Enums[def.Range].PermissibleValues...)
		default:
			eff.RangeKind = RangeKindUnknown
		}
		out = append(out, eff)
	}
	return out, nil
}

// resolveSlot applies slot-level is_a and mixins to a global slot. The result
// is a fresh copy owned by the caller.
func (st *resolverState) resolveSlot(name string, path []string) (*SlotDef, error) {
	for i, p := range path {
		if p == name {
			cycle := append(append([]string(nil), path[i:]...), name)
			return nil, NewCircularInheritanceError(cycle).WithResource("slot:" + path[0])
		}
	}
	if len(path) >= st.maxDepth {
		return nil, NewPermanentError(
			fmt.Sprintf("maximum slot inheritance depth %d exceeded", st.maxDepth), nil,
		).WithCode(ErrCodeInvalidInheritance).WithResource("slot:" + name)
	}

	slot := st.schema.Slots[name]
	path = append(path, name)

	result := &SlotDef{}
	if slot.IsA != "" {
		if _, ok := st.schema.Slots[slot.IsA]; !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("slot %s has is_a %s which does not exist", name, slot.IsA), nil,
			).WithCode(ErrCodeParentNotFound).WithResource("slot:" + name)
		}
		parent, err := st.resolveSlot(slot.IsA, path)
		if err != nil {
			return nil, err
		}
		overlaySlot(result, parent)
	}
	for _, mixin := range slot.Mixins {
		if _, ok := st.schema.Slots[mixin]; !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("slot %s uses mixin %s which does not exist", name, mixin), nil,
			).WithCode(ErrCodeMixinNotFound).WithResource("slot:" + name)
		}
		m, err := st.resolveSlot(mixin, path)
		if err != nil {
			return nil, err
		}
		overlaySlot(result, m)
	}
	overlaySlot(result, slot)
	result.IsA = slot.IsA
	result.Mixins = slot.Mixins
	return result, nil
}

// overlaySlot copies every field set on src onto dst.
func overlaySlot(dst, src *SlotDef) {
	if src == nil {
		return
	}
	if src.Range != "" {
		dst.Range = src.Range
	}
	if src.Required != nil {
		dst.Required = src.Required
	}
	if src.Multivalued != nil {
		dst.Multivalued = src.Multivalued
	}
	if src.Identifier != nil {
		dst.Identifier = src.Identifier
	}
	if src.Pattern != "" {
		dst.Pattern = src.Pattern
	}
	if src.MinimumValue != nil {
		dst.MinimumValue = src.MinimumValue
	}
	if src.MaximumValue != nil {
		dst.MaximumValue = src.MaximumValue
	}
	if src.MinCardinality != nil {
		dst.MinCardinality = src.MinCardinality
	}
	if src.MaxCardinality != nil {
		dst.MaxCardinality = src.MaxCardinality
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if len(src.Annotations) > 0 {
		annotations := make(map[string]string, len(dst.Annotations)+len(src.Annotations))
		for k, v := range dst.Annotations {
			annotations[k] = v
		}
		for k, v := range src.Annotations {
			annotations[k] = v
		}
		dst.Annotations = annotations
	}
}
