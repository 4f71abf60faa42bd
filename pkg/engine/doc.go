// Package engine provides the schema model, the error taxonomy and the
// inheritance resolver for the linkval validation service.
//
// # Overview
//
// A Schema holds classes, slots and enums indexed by name. Classes inherit
// through a single is_a parent plus any number of mixins, so hierarchies may
// contain diamonds. The Resolver turns a class name into a ResolvedClassDef:
//
//  1. CheckAncestry walks is_a and mixin edges depth-first, reporting missing
//     parents, non-mixin classes used as mixins, and cycles ("A -> B -> C -> A").
//  2. The class is linearized with C3 into its MRO, head first.
//  3. Slots, slot usage, attributes, rules and unique keys are merged along the
//     MRO; the class's own definitions are applied last.
//  4. Every slot is resolved to its effective definition (global slot with
//     slot-level inheritance, attribute overlay, slot usage).
//
// Results are memoized per class for one schema version. Loading a schema
// whose content hash differs starts a fresh memo:
//
//	resolver, err := engine.NewResolver(schema, engine.ResolverOptions{})
//	if err != nil {
//	    return err
//	}
//	person, err := resolver.Resolve("Person")
//	if errors.Is(err, engine.ErrCircularInheritance) {
//	    // broken hierarchy
//	}
//
// # Errors
//
// All failures are *EngineError values carrying an ErrorClass, which drives
// retry decisions, and a Code identifying the kind. Sentinels such as
// ErrParentNotFound match with errors.Is.
package engine
