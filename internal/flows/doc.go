// Package flows contains pure-function orchestrators for multi-step Engine
// operations.
//
// Each flow function accepts a typed dependency struct of funcs and returns
// results without side effects beyond those dependencies. This keeps the
// Engine thin and lets the decision order be tested with plain closures.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import finauth (to avoid import cycles).
//   - Perform I/O directly. All I/O is mediated through dependency funcs.
package flows
