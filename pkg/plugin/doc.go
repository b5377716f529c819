// Package plugin provides the core types shared by the pluginmon runtime.
//
// # Overview
//
// pluginmon watches a directory of plugin units, loads every unit on a fixed
// schedule and invokes its single entry point. One pass over the directory is
// a cycle:
//
//  1. Discover - list candidate files in the plugin directory (Source)
//  2. Load - turn each Source into an invocable Plugin
//  3. Register - collect the loaded plugins into an immutable Registry
//  4. Run - invoke every Plugin once and report its Outcome
//  5. Sleep - wait for the configured interval, then start over
//
// # Unit Contract
//
// A unit exposes exactly one capability named "run" that takes no arguments
// and returns a value convertible to a string, or fails:
//
//	type Plugin interface {
//	    Name() string
//	    Run(ctx context.Context) (string, error)
//	}
//
// # Error Classification
//
// Failures are classified by Kind:
//
//   - DirectoryError: the plugin directory cannot be created (fatal)
//   - LoadFailed: the unit's top-level code failed while loading
//   - MissingCapability: the unit loaded but has no usable run entry point
//   - ExecutionFailed: run failed when invoked
//
// Only DirectoryError stops the runtime. Every other kind is confined to the
// unit and cycle in which it happened.
package plugin
