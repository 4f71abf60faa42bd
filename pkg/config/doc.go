// Package config provides service configuration and schema document loading
// for linkval.
//
// # Overview
//
// The config package is the only place where files are read. The core
// packages work on in-memory values; config turns YAML and JSON documents
// into those values and checks them first.
//
// # Components
//
// ServiceConfig: The YAML service configuration. Load merges a file over
// Default and validates it with go-playground/validator struct tags.
// ToServiceConfig and ToTelemetryConfig map it onto the runtime types.
//
// SchemaRegistry: CUE definitions used for structural checks. The built-in
// #Schema definition describes classes, slots and enums.
//
// SchemaLoader: Decodes a schema document, fills in the shorthand LinkML
// documents use (names implied by map keys, empty definitions, permissible
// values written as a map), checks it against #Schema and decodes it into an
// engine.Schema.
//
// Watcher: Watches schema files with fsnotify and hands reloaded schemas to
// a callback after a short debounce.
//
// # Usage Example
//
//	cfg, err := config.Load("linkval.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loader := config.NewSchemaLoader()
//	schema, err := loader.LoadFile("people.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := service.New(ctx, cfg.ToServiceConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := svc.LoadSchema(ctx, schema); err != nil {
//	    log.Fatal(err)
//	}
//
//	w := config.NewWatcher(loader, func(ctx context.Context, _ string, s *engine.Schema) error {
//	    _, err := svc.LoadSchema(ctx, s)
//	    return err
//	}, logger)
//	if err := w.Watch(ctx, "people.yaml"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Schema Documents
//
// A minimal schema document:
//
//	id: https://example.org/people
//	name: people
//	slots:
//	  id:
//	    identifier: true
//	  age:
//	    range: integer
//	    minimum_value: 0
//	classes:
//	  Person:
//	    slots: [id, age]
//
// Structural errors are reported as ValidationErrors carrying the file,
// the document path and the CUE message.
package config
