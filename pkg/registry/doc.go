// Package registry implements the management surface over projects,
// environments and configurations: creation, definition validation,
// version saves, effective-definition resolution, and the admission rules
// for deletion.
//
// Registries validate and orchestrate; the lifecycle state itself stays
// owned by the state machine in pkg/engine, and persistence by pkg/store.
package registry
